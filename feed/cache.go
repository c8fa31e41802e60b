package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/ruiwen/engage/common"
	"github.com/ruiwen/engage/config"
)

// local page cache: an in-process tier holding up to localPageCacheSize pages
// for 15 seconds each.
const localPageTTL = 15 * time.Second
const localPageCacheSize = 4096

// Engine serves feed pages through three tiers: an in-process LRU (tier 0),
// a distributed page cache (tier 1), and, on a full miss, a single-flight
// coalesced origin load whose result repopulates both tiers and registers a
// reverse index so a later mutation knows which cached pages to patch.
type Engine struct {
	local  *lru.LRU[string, Page]
	redis  *redis.Client
	origin OriginFetcher
	group  singleflight.Group
	hot    *HotKeyDetector
	cfg    config.FeedCacheConfig
	log    *common.ContextLogger
}

// NewEngine wires the feed cache's tiers and hot-key detector.
func NewEngine(redisClient *redis.Client, origin OriginFetcher, hot *HotKeyDetector, cfg config.FeedCacheConfig) *Engine {
	return &Engine{
		local:  lru.NewLRU[string, Page](localPageCacheSize, nil, localPageTTL),
		redis:  redisClient,
		origin: origin,
		hot:    hot,
		cfg:    cfg,
		log:    common.ServiceLogger("feed-cache", "1"),
	}
}

func pageCacheKey(req PageRequest) string {
	scope := "global"
	if req.Type == FeedMine {
		scope = strconv.FormatInt(req.UserID, 10)
	}
	return fmt.Sprintf("feed:page:%s:%s:%d:%d", req.Type, scope, req.Cursor, req.Limit)
}

func fragmentReverseIndexKey(postID int64) string {
	return fmt.Sprintf("feed:ridx:%d", postID)
}

func (e *Engine) tierConfig(req PageRequest) config.CacheTierConfig {
	if req.Type == FeedMine {
		return e.cfg.Mine
	}
	return e.cfg.Public
}

// GetPage serves a feed page, checking the local cache, then the
// distributed cache, then coalescing concurrent origin loads for the same
// page behind a single flight.
func (e *Engine) GetPage(ctx context.Context, req PageRequest) (Page, error) {
	key := pageCacheKey(req)

	if p, ok := e.local.Get(key); ok {
		return p, nil
	}

	if raw, err := e.redis.Get(ctx, key).Bytes(); err == nil {
		var p Page
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			e.local.Add(key, p)
			if hotErr := e.hot.RecordHit(ctx, key); hotErr != nil {
				e.log.WithError(hotErr).Debug("hot-key recording failed")
			}
			return p, nil
		}
	} else if err != redis.Nil {
		e.log.WithError(err).Warn("distributed page cache read failed, falling through to origin")
	}

	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		p, err := e.origin.FetchPage(ctx, req)
		if err != nil {
			return Page{}, err
		}
		if storeErr := e.storePage(ctx, key, req, p); storeErr != nil {
			e.log.WithError(storeErr).Warn("failed to populate cache after origin load")
		}
		return p, nil
	})
	if err != nil {
		return Page{}, err
	}

	page := v.(Page)
	if hotErr := e.hot.RecordHit(ctx, key); hotErr != nil {
		e.log.WithError(hotErr).Debug("hot-key recording failed")
	}
	return page, nil
}

func (e *Engine) storePage(ctx context.Context, key string, req PageRequest, page Page) error {
	raw, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("feed: marshal page: %w", err)
	}

	tier := e.tierConfig(req)
	ttl := time.Duration(tier.TTLSeconds) * time.Second

	pipe := e.redis.TxPipeline()
	pipe.Set(ctx, key, raw, ttl)
	for _, item := range page.Items {
		pipe.SAdd(ctx, fragmentReverseIndexKey(item.PostID), key)
		pipe.Expire(ctx, fragmentReverseIndexKey(item.PostID), ttl+time.Minute)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("feed: store page %s: %w", key, err)
	}

	e.local.Add(key, page)
	return nil
}

// PatchPostCount overlays a like/fav delta onto every cached page that
// references postID instead of invalidating them: a feed read is far more
// sensitive to a cache stampede than to a count that lags by one flush
// interval, and a patched page still expires on its tier TTL, after which
// the next read re-fetches it from origin. Pages are gathered from the
// reverse index at registration time;
// a distributed entry that has already expired is dropped from the index
// instead of resurrected.
func (e *Engine) PatchPostCount(ctx context.Context, postID int64, metric string, delta int64) error {
	ridxKey := fragmentReverseIndexKey(postID)
	keys, err := e.redis.SMembers(ctx, ridxKey).Result()
	if err != nil {
		return fmt.Errorf("feed: read reverse index for post %d: %w", postID, err)
	}
	if len(keys) == 0 {
		return nil
	}

	var stale []string
	for _, key := range keys {
		patched, found, err := e.patchPage(ctx, key, postID, metric, delta)
		if err != nil {
			e.log.WithError(err).WithField("page", key).Warn("failed to patch cached page count")
			continue
		}
		if !found {
			stale = append(stale, key)
			continue
		}
		e.local.Add(key, patched)
	}

	if len(stale) > 0 {
		if err := e.redis.SRem(ctx, ridxKey, toAny(stale)...).Err(); err != nil {
			e.log.WithError(err).Warn("failed to prune stale reverse index entries")
		}
	}
	return nil
}

// patchPage rewrites the distributed copy of a single page in place,
// preserving its remaining TTL, and returns the patched page for the local
// tier to adopt. found is false when the distributed entry is already gone,
// signaling the caller to drop it from the reverse index.
func (e *Engine) patchPage(ctx context.Context, key string, postID int64, metric string, delta int64) (Page, bool, error) {
	pipe := e.redis.TxPipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Page{}, false, fmt.Errorf("feed: read page %s for patch: %w", key, err)
	}

	raw, err := getCmd.Bytes()
	if err == redis.Nil {
		return Page{}, false, nil
	}
	if err != nil {
		return Page{}, false, fmt.Errorf("feed: read page %s for patch: %w", key, err)
	}

	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		return Page{}, false, fmt.Errorf("feed: decode page %s for patch: %w", key, err)
	}

	patchItems(page.Items, postID, metric, delta)

	patched, err := json.Marshal(page)
	if err != nil {
		return Page{}, false, fmt.Errorf("feed: encode patched page %s: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	if err := e.redis.Set(ctx, key, patched, ttl).Err(); err != nil {
		return Page{}, false, fmt.Errorf("feed: write patched page %s: %w", key, err)
	}
	return page, true, nil
}

func patchItems(items []Item, postID int64, metric string, delta int64) {
	for i := range items {
		if items[i].PostID != postID {
			continue
		}
		switch metric {
		case "like":
			items[i].Likes = clampAddUint32(items[i].Likes, delta)
		case "fav":
			items[i].Favs = clampAddUint32(items[i].Favs, delta)
		}
	}
}

func clampAddUint32(current uint32, delta int64) uint32 {
	v := int64(current) + delta
	if v < 0 {
		return 0
	}
	return uint32(v)
}

func toAny(keys []string) []interface{} {
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
