package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalSessionRegistry_AddAndGet(t *testing.T) {
	registry := NewLocalSessionRegistry(DefaultSessionTTL)
	ctx := context.Background()

	err := registry.AddSession(ctx, "alice", "conn1")

	assert.Nil(t, err)

	session, err := registry.GetSession(ctx, "alice")

	assert.Nil(t, err)
	assert.Equal(t, "alice", session.SessionID)
	assert.Equal(t, "conn1", session.ConnectionID)
	assert.Empty(t, session.RoomID)
	assert.NotZero(t, session.CreatedAt)

	count, _ := registry.SessionCount(ctx)

	assert.Equal(t, 1, count)
}

func TestLocalSessionRegistry_GetMissing(t *testing.T) {
	registry := NewLocalSessionRegistry(DefaultSessionTTL)

	session, err := registry.GetSession(context.Background(), "nobody")

	assert.Nil(t, err)
	assert.Nil(t, session)
}

func TestLocalSessionRegistry_UpsertReplacesConnection(t *testing.T) {
	registry := NewLocalSessionRegistry(DefaultSessionTTL)
	ctx := context.Background()

	_ = registry.AddSession(ctx, "alice", "conn1")
	_ = registry.AddSession(ctx, "alice", "conn2")

	session, _ := registry.GetSession(ctx, "alice")

	assert.Equal(t, "conn2", session.ConnectionID)

	count, _ := registry.SessionCount(ctx)

	assert.Equal(t, 1, count)
}

func TestLocalSessionRegistry_RoomBinding(t *testing.T) {
	registry := NewLocalSessionRegistry(DefaultSessionTTL)
	ctx := context.Background()

	_ = registry.AddSession(ctx, "alice", "conn1")
	_ = registry.SetSessionRoom(ctx, "alice", "room1")

	session, _ := registry.GetSession(ctx, "alice")

	assert.Equal(t, "room1", session.RoomID)

	_ = registry.ClearSessionRoom(ctx, "alice")

	session, _ = registry.GetSession(ctx, "alice")

	assert.Empty(t, session.RoomID)

	// Mutations on unknown sessions are no-ops.
	assert.Nil(t, registry.SetSessionRoom(ctx, "nobody", "room1"))
	assert.Nil(t, registry.ClearSessionRoom(ctx, "nobody"))
}

func TestLocalSessionRegistry_Remove(t *testing.T) {
	registry := NewLocalSessionRegistry(DefaultSessionTTL)
	ctx := context.Background()

	_ = registry.AddSession(ctx, "alice", "conn1")
	_ = registry.RemoveSession(ctx, "alice")

	session, _ := registry.GetSession(ctx, "alice")

	assert.Nil(t, session)

	count, _ := registry.SessionCount(ctx)

	assert.Equal(t, 0, count)
}

func TestLocalSessionRegistry_Expiry(t *testing.T) {
	registry := NewLocalSessionRegistry(1 * time.Second)
	ctx := context.Background()

	_ = registry.AddSession(ctx, "stale", "conn1")

	// Age the entry past the TTL by hand; the scan compares unix seconds.
	registry.mu.Lock()
	registry.sessions["stale"].LastSeenAt = time.Now().Add(-time.Minute).Unix()
	registry.mu.Unlock()

	_ = registry.AddSession(ctx, "fresh", "conn2")

	expired, err := registry.ExpiredSessions(ctx)

	assert.Nil(t, err)
	assert.Len(t, expired, 1)
	assert.Equal(t, "stale", expired[0].SessionID)

	// The scan reports without removing; removal is the cascade's job.
	session, _ := registry.GetSession(ctx, "stale")

	assert.NotNil(t, session)
}

func TestLocalSessionRegistry_TouchKeepsAlive(t *testing.T) {
	registry := NewLocalSessionRegistry(1 * time.Second)
	ctx := context.Background()

	_ = registry.AddSession(ctx, "alice", "conn1")

	registry.mu.Lock()
	registry.sessions["alice"].LastSeenAt = time.Now().Add(-time.Minute).Unix()
	registry.mu.Unlock()

	_ = registry.TouchSession(ctx, "alice")

	expired, _ := registry.ExpiredSessions(ctx)

	assert.Empty(t, expired)
}
