package main

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/MrHussnainAhmad/whisper/mocks"
)

func TestRedisSessionRegistry_AddSession(t *testing.T) {
	rdb := new(mocks.Redis)

	rdb.On("Get", mock.Anything, "session:alice").Return(redis.NewStringResult("", redis.Nil))
	rdb.On("Set", mock.Anything, "session:alice", mock.Anything, mock.Anything).Return(redis.NewStatusResult("OK", nil))
	rdb.On("ZAdd", mock.Anything, sessionIndexKey, mock.Anything).Return(redis.NewIntResult(1, nil))

	registry := &RedisSessionRegistry{TTL: DefaultSessionTTL, Redis: rdb}

	err := registry.AddSession(context.Background(), "alice", "conn1")

	assert.Nil(t, err)
	rdb.AssertExpectations(t)
}

func TestRedisSessionRegistry_GetSession(t *testing.T) {
	session := Session{SessionID: "alice", ConnectionID: "conn1", CreatedAt: 1, LastSeenAt: 2}
	encoded, _ := json.Marshal(session)

	rdb := new(mocks.Redis)

	rdb.On("Get", mock.Anything, "session:alice").Return(redis.NewStringResult(string(encoded), nil))
	rdb.On("Get", mock.Anything, "roomBySession:alice").Return(redis.NewStringResult("room1", nil))

	registry := &RedisSessionRegistry{TTL: DefaultSessionTTL, Redis: rdb}

	found, err := registry.GetSession(context.Background(), "alice")

	assert.Nil(t, err)
	assert.Equal(t, "conn1", found.ConnectionID)
	assert.Equal(t, "room1", found.RoomID)
}

func TestRedisSessionRegistry_GetSession_Missing(t *testing.T) {
	rdb := new(mocks.Redis)

	rdb.On("Get", mock.Anything, "session:ghost").Return(redis.NewStringResult("", redis.Nil))

	registry := &RedisSessionRegistry{TTL: DefaultSessionTTL, Redis: rdb}

	found, err := registry.GetSession(context.Background(), "ghost")

	assert.Nil(t, err)
	assert.Nil(t, found)
}

func TestRedisSessionRegistry_GetSession_Error(t *testing.T) {
	rdb := new(mocks.Redis)

	rdb.On("Get", mock.Anything, "session:alice").Return(redis.NewStringResult("", io.EOF))

	registry := &RedisSessionRegistry{TTL: DefaultSessionTTL, Redis: rdb}

	_, err := registry.GetSession(context.Background(), "alice")

	assert.Equal(t, ErrBackendGone, err)
}

func TestRedisSessionRegistry_RemoveSession(t *testing.T) {
	rdb := new(mocks.Redis)

	rdb.On("Del", mock.Anything, []string{"session:alice"}).Return(redis.NewIntResult(1, nil))
	rdb.On("ZRem", mock.Anything, sessionIndexKey, []interface{}{"alice"}).Return(redis.NewIntResult(1, nil))

	registry := &RedisSessionRegistry{TTL: DefaultSessionTTL, Redis: rdb}

	err := registry.RemoveSession(context.Background(), "alice")

	assert.Nil(t, err)
	rdb.AssertExpectations(t)
}

func TestRedisSessionRegistry_SessionCount(t *testing.T) {
	rdb := new(mocks.Redis)

	rdb.On("ZCard", mock.Anything, sessionIndexKey).Return(redis.NewIntResult(3, nil))

	registry := &RedisSessionRegistry{TTL: DefaultSessionTTL, Redis: rdb}

	count, err := registry.SessionCount(context.Background())

	assert.Nil(t, err)
	assert.Equal(t, 3, count)
}

func TestRedisSessionRegistry_ExpiredSessions(t *testing.T) {
	session := Session{SessionID: "stale", ConnectionID: "conn1"}
	encoded, _ := json.Marshal(session)

	rdb := new(mocks.Redis)

	rdb.On("ZRangeByScore", mock.Anything, sessionIndexKey, mock.Anything).
		Return(redis.NewStringSliceResult([]string{"stale"}, nil))
	rdb.On("Get", mock.Anything, "session:stale").Return(redis.NewStringResult(string(encoded), nil))
	rdb.On("Get", mock.Anything, "roomBySession:stale").Return(redis.NewStringResult("", redis.Nil))

	registry := &RedisSessionRegistry{TTL: DefaultSessionTTL, Redis: rdb}

	expired, err := registry.ExpiredSessions(context.Background())

	assert.Nil(t, err)
	assert.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].SessionID)
}
