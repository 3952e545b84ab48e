package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

const inviteKeyPrefix = "invite:"
const inviteBySessionKeyPrefix = "inviteBySession:"

// Inserts the invite and its reverse index only if the code is free.
// KEYS[1] = invite:{code}, KEYS[2] = inviteBySession:{sessionId}
// ARGV[1] = invite JSON, ARGV[2] = TTL millis, ARGV[3] = code
var inviteCreateScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[2])
	return 1
`)

// Reads and deletes the invite and its reverse index in one step.
// KEYS[1] = invite:{code}
var inviteRedeemScript = redis.NewScript(`
	local raw = redis.call('GET', KEYS[1])
	if not raw then
		return false
	end
	local invite = cjson.decode(raw)
	redis.call('DEL', KEYS[1])
	redis.call('DEL', 'inviteBySession:' .. invite.sessionId)
	return raw
`)

// KEYS[1] = inviteBySession:{sessionId}
var inviteCancelScript = redis.NewScript(`
	local code = redis.call('GET', KEYS[1])
	if not code then
		return 0
	end
	redis.call('DEL', KEYS[1])
	redis.call('DEL', 'invite:' .. code)
	return 1
`)

type RedisInviteStore struct {
	TTL   time.Duration
	Redis Redis

	// Generate mints candidate codes; swappable for tests.
	Generate func() (string, error)
}

func (s *RedisInviteStore) generate() (string, error) {
	if s.Generate != nil {
		return s.Generate()
	}
	return GenerateInviteCode()
}

func (s *RedisInviteStore) CreateInvite(ctx context.Context, sessionID string, connectionID string) (string, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisInviteStore.CreateInvite")
	defer span.Finish()

	for i := 0; i < inviteCodeAttempts; i++ {
		code, err := s.generate()

		if err != nil {
			ext.LogError(span, err)
			return "", err
		}

		invite := Invite{
			Code:         code,
			SessionID:    sessionID,
			ConnectionID: connectionID,
			CreatedAt:    time.Now().UnixMilli(),
		}

		encoded, err := json.Marshal(invite)

		if err != nil {
			ext.LogError(span, err)
			return "", err
		}

		keys := []string{inviteKeyPrefix + code, inviteBySessionKeyPrefix + sessionID}

		created, err := inviteCreateScript.Run(ctx, s.Redis, keys, encoded, s.TTL.Milliseconds(), code).Result()

		if err != nil {
			ext.LogError(span, err)
			return "", ErrBackendGone
		}

		if created == int64(1) {
			return code, nil
		}
	}

	return "", ErrNoFreeCode
}

func (s *RedisInviteStore) RedeemInvite(ctx context.Context, code string) (*Invite, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisInviteStore.RedeemInvite")
	defer span.Finish()

	raw, err := inviteRedeemScript.Run(ctx, s.Redis, []string{inviteKeyPrefix + code}).Result()

	if err == redis.Nil {
		return nil, nil
	}

	if err != nil {
		ext.LogError(span, err)
		return nil, ErrBackendGone
	}

	encoded, ok := raw.(string)

	if !ok {
		return nil, nil
	}

	var invite Invite

	if err := json.Unmarshal([]byte(encoded), &invite); err != nil {
		ext.LogError(span, err)
		return nil, err
	}

	return &invite, nil
}

func (s *RedisInviteStore) CancelInvite(ctx context.Context, sessionID string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisInviteStore.CancelInvite")
	defer span.Finish()

	keys := []string{inviteBySessionKeyPrefix + sessionID}

	cancelled, err := inviteCancelScript.Run(ctx, s.Redis, keys).Result()

	if err != nil && err != redis.Nil {
		ext.LogError(span, err)
		return false, ErrBackendGone
	}

	return cancelled == int64(1), nil
}

func (s *RedisInviteStore) HasInvite(ctx context.Context, sessionID string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisInviteStore.HasInvite")
	defer span.Finish()

	_, err := s.Redis.Get(ctx, inviteBySessionKeyPrefix+sessionID).Result()

	if err == redis.Nil {
		return false, nil
	}

	if err != nil {
		ext.LogError(span, err)
		return false, ErrBackendGone
	}

	return true, nil
}
