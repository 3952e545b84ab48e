package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalRateLimiter_Window(t *testing.T) {
	limiter := NewLocalRateLimiter(DefaultRateWindow, DefaultRateLimit)
	ctx := context.Background()

	for i := 0; i < DefaultRateLimit; i++ {
		allowed, err := limiter.Allow(ctx, "alice")

		assert.Nil(t, err)
		assert.True(t, allowed, "message %d should be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, "alice")

	assert.Nil(t, err)
	assert.False(t, allowed)

	// Another session has its own budget.
	allowed, _ = limiter.Allow(ctx, "bob")

	assert.True(t, allowed)
}

func TestLocalRateLimiter_WindowRolls(t *testing.T) {
	limiter := NewLocalRateLimiter(20*time.Millisecond, 2)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "alice")
	_, _ = limiter.Allow(ctx, "alice")

	allowed, _ := limiter.Allow(ctx, "alice")

	assert.False(t, allowed)

	time.Sleep(30 * time.Millisecond)

	allowed, _ = limiter.Allow(ctx, "alice")

	assert.True(t, allowed)
}

func TestLocalRateLimiter_Clear(t *testing.T) {
	limiter := NewLocalRateLimiter(DefaultRateWindow, 1)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "alice")

	allowed, _ := limiter.Allow(ctx, "alice")

	assert.False(t, allowed)

	_ = limiter.Clear(ctx, "alice")

	allowed, _ = limiter.Allow(ctx, "alice")

	assert.True(t, allowed)
}
