package counter

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backoff tracks, per entity, how many consecutive rebuild refusals have
// happened and enforces an exponential cooldown before the next attempt is
// even tried against the rate limiter. Without this, a hot corrupted
// counter under constant read traffic would hammer the rate limiter and the
// lock every request instead of backing off.
type Backoff struct {
	client  *redis.Client
	base    time.Duration
	max     time.Duration
	maxStep int
}

// NewBackoff builds a backoff tracker with base*2^n growth capped at max and
// at most 2^maxStep multiplier.
func NewBackoff(client *redis.Client, base, max time.Duration) *Backoff {
	return &Backoff{client: client, base: base, max: max, maxStep: 10}
}

func expKey(prefix, entityType, entityID string) string {
	return fmt.Sprintf("backoff:%s:exp:%s:%s", prefix, entityType, entityID)
}

func untilKey(prefix, entityType, entityID string) string {
	return fmt.Sprintf("backoff:%s:until:%s:%s", prefix, entityType, entityID)
}

// InCooldown reports whether a prior refusal still bars a new rebuild
// attempt for this entity.
func (b *Backoff) InCooldown(ctx context.Context, prefix, entityType, entityID string) (bool, error) {
	exists, err := b.client.Exists(ctx, untilKey(prefix, entityType, entityID)).Result()
	if err != nil {
		return false, fmt.Errorf("counter: check backoff cooldown: %w", err)
	}
	return exists == 1, nil
}

// Escalate records another refusal, doubling the cooldown window up to max.
func (b *Backoff) Escalate(ctx context.Context, prefix, entityType, entityID string) error {
	expK := expKey(prefix, entityType, entityID)
	n, err := b.client.Incr(ctx, expK).Result()
	if err != nil {
		return fmt.Errorf("counter: escalate backoff: %w", err)
	}
	if n > int64(b.maxStep) {
		n = int64(b.maxStep)
		if err := b.client.Set(ctx, expK, n, 0).Err(); err != nil {
			return fmt.Errorf("counter: clamp backoff exponent: %w", err)
		}
	}

	delay := time.Duration(float64(b.base) * math.Pow(2, float64(n)))
	if delay > b.max {
		delay = b.max
	}

	if err := b.client.Set(ctx, untilKey(prefix, entityType, entityID), "1", delay).Err(); err != nil {
		return fmt.Errorf("counter: set backoff window: %w", err)
	}
	return nil
}

// Reset clears the backoff state after a successful rebuild.
func (b *Backoff) Reset(ctx context.Context, prefix, entityType, entityID string) error {
	if err := b.client.Del(ctx, expKey(prefix, entityType, entityID), untilKey(prefix, entityType, entityID)).Err(); err != nil {
		return fmt.Errorf("counter: reset backoff: %w", err)
	}
	return nil
}
