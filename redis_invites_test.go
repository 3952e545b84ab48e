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

func TestRedisInviteStore_CreateInvite(t *testing.T) {
	result := redis.NewCmdResult(int64(1), nil)

	rdb := new(mocks.Redis)

	rdb.On("EvalSha", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(result)

	store := &RedisInviteStore{TTL: DefaultInviteTTL, Redis: rdb}

	code, err := store.CreateInvite(context.Background(), "alice", "conn1")

	assert.Nil(t, err)
	assert.Regexp(t, codeFormat, code)
}

func TestRedisInviteStore_CreateInvite_Exhaustion(t *testing.T) {
	result := redis.NewCmdResult(int64(0), nil)

	rdb := new(mocks.Redis)

	rdb.On("EvalSha", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(result)

	attempts := 0

	store := &RedisInviteStore{
		TTL:   DefaultInviteTTL,
		Redis: rdb,
		Generate: func() (string, error) {
			attempts++
			return "TALK-AAAA", nil
		},
	}

	_, err := store.CreateInvite(context.Background(), "alice", "conn1")

	assert.Equal(t, ErrNoFreeCode, err)
	assert.Equal(t, 10, attempts)
}

func TestRedisInviteStore_CreateInvite_Error(t *testing.T) {
	result := redis.NewCmdResult(nil, io.EOF)

	rdb := new(mocks.Redis)

	rdb.On("EvalSha", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(result)

	store := &RedisInviteStore{TTL: DefaultInviteTTL, Redis: rdb}

	_, err := store.CreateInvite(context.Background(), "alice", "conn1")

	assert.Equal(t, ErrBackendGone, err)
}

func TestRedisInviteStore_RedeemInvite(t *testing.T) {
	invite := Invite{Code: "TALK-AB12", SessionID: "alice", ConnectionID: "conn1", CreatedAt: 1}
	encoded, _ := json.Marshal(invite)

	result := redis.NewCmdResult(string(encoded), nil)

	rdb := new(mocks.Redis)

	rdb.On("EvalSha", mock.Anything, mock.Anything, []string{"invite:TALK-AB12"}, mock.Anything).Return(result)

	store := &RedisInviteStore{TTL: DefaultInviteTTL, Redis: rdb}

	redeemed, err := store.RedeemInvite(context.Background(), "TALK-AB12")

	assert.Nil(t, err)
	assert.Equal(t, invite, *redeemed)
}

func TestRedisInviteStore_RedeemInvite_Missing(t *testing.T) {
	result := redis.NewCmdResult(nil, redis.Nil)

	rdb := new(mocks.Redis)

	rdb.On("EvalSha", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(result)

	store := &RedisInviteStore{TTL: DefaultInviteTTL, Redis: rdb}

	redeemed, err := store.RedeemInvite(context.Background(), "TALK-AB12")

	assert.Nil(t, err)
	assert.Nil(t, redeemed)
}

func TestRedisInviteStore_CancelInvite(t *testing.T) {
	result := redis.NewCmdResult(int64(1), nil)

	rdb := new(mocks.Redis)

	rdb.On("EvalSha", mock.Anything, mock.Anything, []string{"inviteBySession:alice"}, mock.Anything).Return(result)

	store := &RedisInviteStore{TTL: DefaultInviteTTL, Redis: rdb}

	cancelled, err := store.CancelInvite(context.Background(), "alice")

	assert.Nil(t, err)
	assert.True(t, cancelled)
}

func TestRedisInviteStore_HasInvite(t *testing.T) {
	rdb := new(mocks.Redis)

	rdb.On("Get", mock.Anything, "inviteBySession:alice").Return(redis.NewStringResult("TALK-AB12", nil))
	rdb.On("Get", mock.Anything, "inviteBySession:bob").Return(redis.NewStringResult("", redis.Nil))

	store := &RedisInviteStore{TTL: DefaultInviteTTL, Redis: rdb}

	has, err := store.HasInvite(context.Background(), "alice")

	assert.Nil(t, err)
	assert.True(t, has)

	has, err = store.HasInvite(context.Background(), "bob")

	assert.Nil(t, err)
	assert.False(t, has)
}
