package main

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var codeFormat = regexp.MustCompile(`^TALK-[0-9A-F]{4}$`)

func TestGenerateInviteCode_Format(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := GenerateInviteCode()

		assert.Nil(t, err)
		assert.Regexp(t, codeFormat, code)
	}
}

func TestNormalizeInviteCode(t *testing.T) {
	assert.Equal(t, "TALK-AB12", NormalizeInviteCode("  talk-ab12 \n"))
	assert.Equal(t, "TALK-AB12", NormalizeInviteCode("TALK-AB12"))
}

func TestLocalInviteStore_RoundTrip(t *testing.T) {
	store := NewLocalInviteStore(DefaultInviteTTL)
	ctx := context.Background()

	code, err := store.CreateInvite(ctx, "alice", "conn1")

	assert.Nil(t, err)
	assert.Regexp(t, codeFormat, code)

	has, err := store.HasInvite(ctx, "alice")

	assert.Nil(t, err)
	assert.True(t, has)

	invite, err := store.RedeemInvite(ctx, code)

	assert.Nil(t, err)
	assert.Equal(t, "alice", invite.SessionID)
	assert.Equal(t, "conn1", invite.ConnectionID)
	assert.Equal(t, code, invite.Code)

	// One-time: a second redemption finds nothing.
	invite, err = store.RedeemInvite(ctx, code)

	assert.Nil(t, err)
	assert.Nil(t, invite)

	has, _ = store.HasInvite(ctx, "alice")

	assert.False(t, has)
}

func TestLocalInviteStore_Cancel(t *testing.T) {
	store := NewLocalInviteStore(DefaultInviteTTL)
	ctx := context.Background()

	code, _ := store.CreateInvite(ctx, "alice", "conn1")

	cancelled, err := store.CancelInvite(ctx, "alice")

	assert.Nil(t, err)
	assert.True(t, cancelled)

	invite, _ := store.RedeemInvite(ctx, code)

	assert.Nil(t, invite)

	cancelled, _ = store.CancelInvite(ctx, "alice")

	assert.False(t, cancelled)
}

func TestLocalInviteStore_Expiry(t *testing.T) {
	store := NewLocalInviteStore(10 * time.Millisecond)
	ctx := context.Background()

	code, _ := store.CreateInvite(ctx, "alice", "conn1")

	time.Sleep(25 * time.Millisecond)

	// An expired invite is indistinguishable from a missing one.
	invite, err := store.RedeemInvite(ctx, code)

	assert.Nil(t, err)
	assert.Nil(t, invite)

	has, _ := store.HasInvite(ctx, "alice")

	assert.False(t, has)
}

func TestLocalInviteStore_ReplacedCodeFreesSession(t *testing.T) {
	store := NewLocalInviteStore(DefaultInviteTTL)
	ctx := context.Background()

	first, _ := store.CreateInvite(ctx, "alice", "conn1")

	_, _ = store.CancelInvite(ctx, "alice")

	second, _ := store.CreateInvite(ctx, "alice", "conn1")

	invite, _ := store.RedeemInvite(ctx, first)

	assert.Nil(t, invite)

	invite, _ = store.RedeemInvite(ctx, second)

	assert.NotNil(t, invite)
}

func TestLocalInviteStore_CollisionRetry(t *testing.T) {
	store := NewLocalInviteStore(DefaultInviteTTL)
	ctx := context.Background()

	codes := []string{"TALK-AAAA", "TALK-AAAA", "TALK-BBBB"}

	store.Generate = func() (string, error) {
		code := codes[0]
		if len(codes) > 1 {
			codes = codes[1:]
		}
		return code, nil
	}

	first, err := store.CreateInvite(ctx, "alice", "conn1")

	assert.Nil(t, err)
	assert.Equal(t, "TALK-AAAA", first)

	// The generator repeats the taken code once, then produces a fresh one.
	second, err := store.CreateInvite(ctx, "bob", "conn2")

	assert.Nil(t, err)
	assert.Equal(t, "TALK-BBBB", second)
}

func TestLocalInviteStore_CollisionExhaustion(t *testing.T) {
	store := NewLocalInviteStore(DefaultInviteTTL)
	ctx := context.Background()

	store.Generate = func() (string, error) {
		return "TALK-AAAA", nil
	}

	_, err := store.CreateInvite(ctx, "alice", "conn1")

	assert.Nil(t, err)

	attempts := 0

	store.Generate = func() (string, error) {
		attempts++
		return "TALK-AAAA", nil
	}

	_, err = store.CreateInvite(ctx, "bob", "conn2")

	assert.Equal(t, ErrNoFreeCode, err)
	assert.Equal(t, 10, attempts)
}
