package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client), mr
}

func TestTryAcquire_SecondAttemptFailsWhileHeld(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	h1, ok, err := l.TryAcquire(ctx, "rebuild:post:1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { h1.Release(ctx) })

	_, ok, err = l.TryAcquire(ctx, "rebuild:post:1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a second acquisition attempt on a held lock must be refused")
}

func TestRelease_AllowsReacquisition(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	h1, ok, err := l.TryAcquire(ctx, "rebuild:post:2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h1.Release(ctx))

	h2, ok, err := l.TryAcquire(ctx, "rebuild:post:2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "after release the lock should be free again")
	t.Cleanup(func() { h2.Release(ctx) })
}

func TestRelease_IsFencedByToken(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	h1, ok, err := l.TryAcquire(ctx, "rebuild:post:3", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Simulate h1's TTL lapsing and someone else acquiring the lock before
	// h1 calls Release.
	require.True(t, mr.Del("rebuild:post:3"))
	h2, ok, err := l.TryAcquire(ctx, "rebuild:post:3", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { h2.Release(ctx) })

	require.NoError(t, h1.Release(ctx))

	exists := mr.Exists("rebuild:post:3")
	assert.True(t, exists, "h1's stale release must not delete a lock now owned by h2")
}

func TestTryAcquire_DifferentKeysDoNotContend(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	h1, ok, err := l.TryAcquire(ctx, "rebuild:post:4", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { h1.Release(ctx) })

	h2, ok, err := l.TryAcquire(ctx, "rebuild:post:5", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	t.Cleanup(func() { h2.Release(ctx) })
}
