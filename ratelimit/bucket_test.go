package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, capacity int64, rate float64) *Limiter {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, capacity, rate, time.Minute)
}

func TestAllowAt_ConsumesFromFullBucket(t *testing.T) {
	l := newTestLimiter(t, 2, 1)
	ctx := context.Background()
	now := time.Unix(1000, 0)

	ok, err := l.AllowAt(ctx, "user:1", 1, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.AllowAt(ctx, "user:1", 1, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.AllowAt(ctx, "user:1", 1, now)
	require.NoError(t, err)
	assert.False(t, ok, "bucket should be exhausted after consuming its full capacity")
}

func TestAllowAt_RefillsOverTime(t *testing.T) {
	l := newTestLimiter(t, 1, 1) // 1 token capacity, refills 1/sec
	ctx := context.Background()
	start := time.Unix(2000, 0)

	ok, err := l.AllowAt(ctx, "user:2", 1, start)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.AllowAt(ctx, "user:2", 1, start.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok, "half a second isn't enough to refill a full token at rate 1/s")

	ok, err = l.AllowAt(ctx, "user:2", 1, start.Add(1100*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, ok, "after slightly more than a second the bucket should have refilled")
}

func TestAllowAt_NeverExceedsCapacity(t *testing.T) {
	l := newTestLimiter(t, 3, 100) // fast refill rate
	ctx := context.Background()
	start := time.Unix(3000, 0)

	// Let a long time pass so naive refill math would massively overshoot.
	later := start.Add(time.Hour)

	ok, err := l.AllowAt(ctx, "user:3", 3, later)
	require.NoError(t, err)
	assert.True(t, ok, "bucket clamps to capacity, but 3 requested tokens should still be available")

	ok, err = l.AllowAt(ctx, "user:3", 1, later)
	require.NoError(t, err)
	assert.False(t, ok, "capacity is clamped at 3, so a 4th token in the same instant must be refused")
}

func TestAllowN_RejectsWhenInsufficientTokens(t *testing.T) {
	l := newTestLimiter(t, 5, 1)
	ctx := context.Background()

	ok, err := l.AllowN(ctx, "user:4", 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllow_IndependentKeysDoNotShareBuckets(t *testing.T) {
	l := newTestLimiter(t, 1, 0)
	ctx := context.Background()

	ok, err := l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Allow(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok, "a fresh key should get its own full bucket regardless of other keys' state")

	ok, err = l.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}
