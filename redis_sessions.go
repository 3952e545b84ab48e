package main

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

const sessionKeyPrefix = "session:"
const sessionIndexKey = "sessions:index"

// RedisSessionRegistry stores session records as keys and keeps a sorted
// index scored by last-seen time. The index drives both the session count
// and the expiry scan; record keys carry a generous TTL only as a backstop
// so the cascade can still read the record while cleaning up.
type RedisSessionRegistry struct {
	TTL   time.Duration
	Redis Redis
}

func (r *RedisSessionRegistry) key(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

func (r *RedisSessionRegistry) AddSession(ctx context.Context, sessionID string, connectionID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisSessionRegistry.AddSession")
	defer span.Finish()

	now := time.Now().Unix()

	session := Session{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		CreatedAt:    now,
		LastSeenAt:   now,
	}

	if prior, err := r.GetSession(ctx, sessionID); err == nil && prior != nil {
		session.CreatedAt = prior.CreatedAt
	}

	encoded, err := json.Marshal(session)

	if err != nil {
		ext.LogError(span, err)
		return err
	}

	if err := r.Redis.Set(ctx, r.key(sessionID), encoded, 2*r.TTL).Err(); err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	err = r.Redis.ZAdd(ctx, sessionIndexKey, &redis.Z{Score: float64(now), Member: sessionID}).Err()

	if err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}

func (r *RedisSessionRegistry) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisSessionRegistry.GetSession")
	defer span.Finish()

	raw, err := r.Redis.Get(ctx, r.key(sessionID)).Result()

	if err == redis.Nil {
		return nil, nil
	}

	if err != nil {
		ext.LogError(span, err)
		return nil, ErrBackendGone
	}

	var session Session

	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		ext.LogError(span, err)
		return nil, err
	}

	// Room bindings live in their own keys so that room installation and
	// teardown can touch them atomically alongside the room record.
	roomID, err := r.Redis.Get(ctx, roomBySessionKeyPrefix+sessionID).Result()

	if err != nil && err != redis.Nil {
		ext.LogError(span, err)
		return nil, ErrBackendGone
	}

	session.RoomID = roomID

	return &session, nil
}

var touchScript = redis.NewScript(`
	local raw = redis.call('GET', KEYS[1])
	if not raw then
		return 0
	end
	local session = cjson.decode(raw)
	session.lastSeenAt = tonumber(ARGV[1])
	redis.call('SET', KEYS[1], cjson.encode(session), 'KEEPTTL')
	redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
	return 1
`)

func (r *RedisSessionRegistry) TouchSession(ctx context.Context, sessionID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisSessionRegistry.TouchSession")
	defer span.Finish()

	now := time.Now().Unix()

	keys := []string{r.key(sessionID), sessionIndexKey}

	err := touchScript.Run(ctx, r.Redis, keys, now, sessionID).Err()

	if err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}

func (r *RedisSessionRegistry) SetSessionRoom(ctx context.Context, sessionID string, roomID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisSessionRegistry.SetSessionRoom")
	defer span.Finish()

	err := r.Redis.Set(ctx, roomBySessionKeyPrefix+sessionID, roomID, 0).Err()

	if err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}

func (r *RedisSessionRegistry) ClearSessionRoom(ctx context.Context, sessionID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisSessionRegistry.ClearSessionRoom")
	defer span.Finish()

	err := r.Redis.Del(ctx, roomBySessionKeyPrefix+sessionID).Err()

	if err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}

func (r *RedisSessionRegistry) RemoveSession(ctx context.Context, sessionID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisSessionRegistry.RemoveSession")
	defer span.Finish()

	if err := r.Redis.Del(ctx, r.key(sessionID)).Err(); err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	if err := r.Redis.ZRem(ctx, sessionIndexKey, sessionID).Err(); err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}

func (r *RedisSessionRegistry) SessionCount(ctx context.Context) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisSessionRegistry.SessionCount")
	defer span.Finish()

	count, err := r.Redis.ZCard(ctx, sessionIndexKey).Result()

	if err != nil {
		ext.LogError(span, err)
		return 0, ErrBackendGone
	}

	return int(count), nil
}

func (r *RedisSessionRegistry) ExpiredSessions(ctx context.Context) ([]Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisSessionRegistry.ExpiredSessions")
	defer span.Finish()

	cutoff := time.Now().Add(-r.TTL).Unix()

	ids, err := r.Redis.ZRangeByScore(ctx, sessionIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()

	if err != nil {
		ext.LogError(span, err)
		return nil, ErrBackendGone
	}

	var expired []Session

	for _, id := range ids {
		session, err := r.GetSession(ctx, id)

		if err != nil {
			ext.LogError(span, err)
			continue
		}

		if session == nil {
			// Record aged out on its own; drop the index entry.
			_ = r.Redis.ZRem(ctx, sessionIndexKey, id).Err()
			continue
		}

		expired = append(expired, *session)
	}

	return expired, nil
}
