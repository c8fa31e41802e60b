package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackoff(t *testing.T, base, max time.Duration) (*Backoff, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewBackoff(client, base, max), mr
}

func TestInCooldown_FalseBeforeAnyEscalation(t *testing.T) {
	b, _ := newTestBackoff(t, time.Second, time.Minute)
	cooling, err := b.InCooldown(context.Background(), "p", "post", "1")
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestEscalate_EntersCooldown(t *testing.T) {
	b, _ := newTestBackoff(t, time.Second, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.Escalate(ctx, "p", "post", "2"))

	cooling, err := b.InCooldown(ctx, "p", "post", "2")
	require.NoError(t, err)
	assert.True(t, cooling)
}

func TestEscalate_GrowsExponentiallyUpToMax(t *testing.T) {
	b, mr := newTestBackoff(t, time.Second, 10*time.Second)
	ctx := context.Background()

	require.NoError(t, b.Escalate(ctx, "p", "post", "3"))
	ttl1 := mr.TTL(untilKey("p", "post", "3"))

	require.NoError(t, b.Reset(ctx, "p", "post", "3"))
	// Escalate repeatedly without resetting the exponent to confirm it
	// does not exceed max.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Escalate(ctx, "p", "post", "3"))
	}
	ttlMax := mr.TTL(untilKey("p", "post", "3"))

	assert.LessOrEqual(t, ttlMax, 10*time.Second+time.Second, "cooldown window must be capped at max")
	assert.Greater(t, ttl1, time.Duration(0))
	assert.Greater(t, ttlMax, ttl1, "repeated escalation must lengthen the cooldown window")
}

func TestReset_ClearsCooldownAndExponent(t *testing.T) {
	b, _ := newTestBackoff(t, time.Second, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.Escalate(ctx, "p", "post", "4"))
	cooling, err := b.InCooldown(ctx, "p", "post", "4")
	require.NoError(t, err)
	require.True(t, cooling)

	require.NoError(t, b.Reset(ctx, "p", "post", "4"))

	cooling, err = b.InCooldown(ctx, "p", "post", "4")
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestEscalate_IsolatedPerEntity(t *testing.T) {
	b, _ := newTestBackoff(t, time.Second, time.Minute)
	ctx := context.Background()

	require.NoError(t, b.Escalate(ctx, "p", "post", "5"))

	cooling, err := b.InCooldown(ctx, "p", "post", "other")
	require.NoError(t, err)
	assert.False(t, cooling, "escalating one entity's backoff must not affect another's")
}
