package feed

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruiwen/engage/config"
)

// HotKeyDetector tracks read pressure on individual cache keys with a
// sliding-window log (a sorted set of recent hit timestamps) and extends a
// key's distributed TTL once its hit rate crosses a threshold, so a key
// under a traffic spike survives longer instead of expiring into a
// thundering-herd origin reload.
type HotKeyDetector struct {
	redis *redis.Client
	cfg   config.HotKeyConfig
}

// NewHotKeyDetector builds a detector using the given threshold/extension
// configuration.
func NewHotKeyDetector(redisClient *redis.Client, cfg config.HotKeyConfig) *HotKeyDetector {
	return &HotKeyDetector{redis: redisClient, cfg: cfg}
}

func hotLogKey(cacheKey string) string {
	return "hot:" + cacheKey
}

// RecordHit logs one distributed-tier hit for cacheKey and, if the hit
// count within the sliding window crosses a threshold, extends the TTL of
// cacheKey itself. It is intentionally fire-and-forget from the caller's
// perspective: a failure here degrades hot-key protection, not the read
// that triggered it.
func (h *HotKeyDetector) RecordHit(ctx context.Context, cacheKey string) error {
	logKey := hotLogKey(cacheKey)
	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10)
	windowStart := now.Add(-time.Duration(h.cfg.WindowSeconds) * time.Second).UnixNano()

	pipe := h.redis.TxPipeline()
	pipe.ZAdd(ctx, logKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, logKey, "-inf", fmt.Sprintf("(%d", windowStart))
	pipe.Expire(ctx, logKey, time.Duration(h.cfg.WindowSeconds)*time.Second)
	card := pipe.ZCard(ctx, logKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("feed: record hot-key hit for %s: %w", cacheKey, err)
	}

	extend := h.extensionFor(card.Val())
	if extend <= 0 {
		return nil
	}
	return h.extendIfShorter(ctx, cacheKey, extend)
}

func (h *HotKeyDetector) extensionFor(hits int64) time.Duration {
	switch {
	case hits >= h.cfg.LevelHigh:
		return h.cfg.ExtendHigh
	case hits >= h.cfg.LevelMedium:
		return h.cfg.ExtendMedium
	case hits >= h.cfg.LevelLow:
		return h.cfg.ExtendLow
	default:
		return 0
	}
}

// extendIfShorter only widens a key's TTL, never shortens it, so a key
// already protected by a longer extension from an earlier, bigger spike
// isn't prematurely cut down by a smaller one.
func (h *HotKeyDetector) extendIfShorter(ctx context.Context, cacheKey string, extend time.Duration) error {
	ttl, err := h.redis.TTL(ctx, cacheKey).Result()
	if err != nil {
		return fmt.Errorf("feed: read ttl for %s: %w", cacheKey, err)
	}
	if ttl < 0 {
		return nil
	}
	if ttl >= extend {
		return nil
	}
	if err := h.redis.Expire(ctx, cacheKey, extend).Err(); err != nil {
		return fmt.Errorf("feed: extend ttl for %s: %w", cacheKey, err)
	}
	return nil
}
