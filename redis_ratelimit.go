package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

const rateKeyPrefix = "rate:"

// RedisRateLimiter keeps one counter key per session. The read-modify-write
// here is not atomic; concurrent senders can overshoot the limit by a small
// constant, which is acceptable for a courtesy limit.
type RedisRateLimiter struct {
	Window time.Duration
	Limit  int
	Redis  Redis
}

func (l *RedisRateLimiter) key(sessionID string) string {
	return rateKeyPrefix + sessionID
}

func (l *RedisRateLimiter) Allow(ctx context.Context, sessionID string) (bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisRateLimiter.Allow")
	defer span.Finish()

	now := time.Now().UnixMilli()

	raw, err := l.Redis.Get(ctx, l.key(sessionID)).Result()

	if err != nil && err != redis.Nil {
		ext.LogError(span, err)
		return false, ErrBackendGone
	}

	counter := RateCounter{}

	if err == nil {
		_ = json.Unmarshal([]byte(raw), &counter)
	}

	if counter.WindowStart == 0 || now-counter.WindowStart > l.Window.Milliseconds() {
		counter = RateCounter{Count: 1, WindowStart: now}
	} else {
		if counter.Count >= l.Limit {
			return false, nil
		}
		counter.Count++
	}

	encoded, _ := json.Marshal(counter)

	if err := l.Redis.Set(ctx, l.key(sessionID), encoded, 2*l.Window).Err(); err != nil {
		ext.LogError(span, err)
		return false, ErrBackendGone
	}

	return true, nil
}

func (l *RedisRateLimiter) Clear(ctx context.Context, sessionID string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "RedisRateLimiter.Clear")
	defer span.Finish()

	if err := l.Redis.Del(ctx, l.key(sessionID)).Err(); err != nil {
		ext.LogError(span, err)
		return ErrBackendGone
	}

	return nil
}
