package counter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruiwen/engage/bitmap"
	"github.com/ruiwen/engage/common"
	"github.com/ruiwen/engage/events"
	"github.com/ruiwen/engage/lock"
	"github.com/ruiwen/engage/ratelimit"
)

// EntitySchema is the schema name entity counters are stored and aggregated
// under.
const EntitySchema = "entity"

// EntityCounts is a decoded entity counter snapshot.
type EntityCounts struct {
	Likes uint32
	Favs  uint32
	Fresh bool // false when the snapshot was missing or corrupt
}

// EntityCounterService implements the like/favorite engagement counter:
// membership is recorded in the sharded bitmap, and a durable aggregate is
// maintained by folding bus-delivered deltas into a packed counter, with a
// bitmap-backed rebuild path for when that aggregate drifts or is lost.
type EntityCounterService struct {
	bitmaps  *bitmap.Store
	codec    *Codec
	producer *events.Producer
	limiter  *ratelimit.Limiter
	locker   *lock.Locker
	backoff  *Backoff
	lockTTL  time.Duration
	log      *common.ContextLogger

	mu        sync.RWMutex
	listeners []func(events.CounterDelta)
}

// NewEntityCounterService wires the bitmap, packed-counter, rebuild rate
// limiter, and lock collaborators for entity counters.
func NewEntityCounterService(
	redisClient *redis.Client,
	producer *events.Producer,
	rebuildPermits int,
	rebuildWindow time.Duration,
	backoffBase, backoffMax, lockTTL time.Duration,
) *EntityCounterService {
	rate := float64(rebuildPermits) / rebuildWindow.Seconds()
	return &EntityCounterService{
		bitmaps:  bitmap.NewStore(redisClient),
		codec:    NewCodec(redisClient),
		producer: producer,
		limiter:  ratelimit.New(redisClient, int64(rebuildPermits), rate, rebuildWindow+time.Second),
		locker:   lock.New(redisClient),
		backoff:  NewBackoff(redisClient, backoffBase, backoffMax),
		lockTTL:  lockTTL,
		log:      common.ServiceLogger("entity-counter", "1"),
	}
}

// Folder exposes the entity schema's packed-counter codec as a
// events.SegmentFolder, letting the aggregation flusher fold buckets into
// snapshots without either package depending on the other's concrete types.
func (s *EntityCounterService) Folder() events.SegmentFolder {
	return s.codec
}

// Subscribe registers a synchronous local listener invoked on every bit
// flip, before the bus publish. Component L uses this to patch the counts in
// cached feed pages and credit the post owner's user counters without waiting
// on a bus round trip.
func (s *EntityCounterService) Subscribe(fn func(events.CounterDelta)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *EntityCounterService) notify(d events.CounterDelta) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, fn := range s.listeners {
		fn(d)
	}
}

// Toggle flips the membership bit for userID on (metric, entityType,
// entityID) to the state implied by op and, if the bit actually changed,
// fires local listeners and publishes the delta onto the bus. It returns
// false with no error when the caller asked for a state that already held,
// which callers surface as a no-op rather than an error.
func (s *EntityCounterService) Toggle(ctx context.Context, entityType, entityID, metric string, userID int64, op bitmap.Op) (changed bool, err error) {
	idx, ok := EntityMetricIdx(metric)
	if !ok {
		return false, nil
	}

	res, err := s.bitmaps.Toggle(ctx, metric, entityType, entityID, userID, op)
	if err != nil {
		return false, err
	}
	if res != bitmap.Changed {
		return false, nil
	}

	delta := int64(1)
	if op == bitmap.OpRemove {
		delta = -1
	}
	d := events.CounterDelta{
		Schema:     EntitySchema,
		EntityType: entityType,
		EntityID:   entityID,
		Metric:     metric,
		Idx:        idx,
		UserID:     userID,
		Delta:      delta,
	}

	s.notify(d)

	if s.producer != nil {
		if err := s.producer.Publish(ctx, d); err != nil {
			s.log.WithError(err).WithField("entity", entityID).Warn("failed to publish counter delta, aggregate will lag until next rebuild")
		}
	}
	return true, nil
}

// Read returns the current durable snapshot for an entity. Fresh is false
// when the snapshot is missing or the wrong length, in which case the
// caller should treat the zero values as unknown, not as "no engagement",
// and may call RequestRebuild.
func (s *EntityCounterService) Read(ctx context.Context, entityType, entityID string) (EntityCounts, error) {
	segs, ok, err := s.codec.Read(ctx, SnapshotKey(EntitySchema, entityType, entityID), EntitySchemaLen)
	if err != nil {
		return EntityCounts{}, err
	}
	if !ok {
		return EntityCounts{Fresh: false}, nil
	}
	return EntityCounts{Likes: segs[EntityLikeIdx-1], Favs: segs[EntityFavIdx-1], Fresh: true}, nil
}

// GetCountsBatch resolves counts for many entities in one pipelined round
// trip. Entities with a missing or corrupt snapshot come back zeroed with
// Fresh=false rather than triggering a rebuild, keeping list-rendering
// latency bounded; callers that need a guaranteed-fresh value should fall
// back to Read for the handful of stragglers.
func (s *EntityCounterService) GetCountsBatch(ctx context.Context, entityType string, entityIDs []string) (map[string]EntityCounts, error) {
	out := make(map[string]EntityCounts, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}

	keyToID := make(map[string]string, len(entityIDs))
	keys := make([]string, 0, len(entityIDs))
	for _, id := range entityIDs {
		key := SnapshotKey(EntitySchema, entityType, id)
		keyToID[key] = id
		keys = append(keys, key)
		out[id] = EntityCounts{Fresh: false}
	}

	segsByKey, err := s.codec.ReadBatch(ctx, keys, EntitySchemaLen)
	if err != nil {
		return nil, err
	}
	for key, segs := range segsByKey {
		out[keyToID[key]] = EntityCounts{Likes: segs[EntityLikeIdx-1], Favs: segs[EntityFavIdx-1], Fresh: true}
	}
	return out, nil
}

// IsLiked reports whether userID's like bit is set for (entityType, entityID).
func (s *EntityCounterService) IsLiked(ctx context.Context, entityType, entityID string, userID int64) (bool, error) {
	return s.bitmaps.GetBit(ctx, "like", entityType, entityID, userID)
}

// IsFaved reports whether userID's fav bit is set for (entityType, entityID).
func (s *EntityCounterService) IsFaved(ctx context.Context, entityType, entityID string, userID int64) (bool, error) {
	return s.bitmaps.GetBit(ctx, "fav", entityType, entityID, userID)
}

// RequestRebuild recomputes an entity's snapshot from the bitmap layer, the
// only durable source of truth for membership. It is self-throttled: a
// refused attempt (lock contention or rate-limit exhaustion) escalates an
// exponential backoff so a hot corrupted counter does not turn every read
// into a rebuild storm.
func (s *EntityCounterService) RequestRebuild(ctx context.Context, entityType, entityID string) error {
	const prefix = "sds-rebuild"

	cooling, err := s.backoff.InCooldown(ctx, prefix, entityType, entityID)
	if err != nil {
		return err
	}
	if cooling {
		return nil
	}

	limiterKey := "rl:" + prefix + ":" + entityType + ":" + entityID
	allowed, err := s.limiter.Allow(ctx, limiterKey)
	if err != nil {
		return err
	}
	if !allowed {
		return s.backoff.Escalate(ctx, prefix, entityType, entityID)
	}

	lockKey := "lock:" + prefix + ":" + entityType + ":" + entityID
	handle, acquired, err := s.locker.TryAcquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return s.backoff.Escalate(ctx, prefix, entityType, entityID)
	}
	defer handle.Release(ctx)

	likes, err := s.bitmaps.SumPopulation(ctx, "like", entityType, entityID)
	if err != nil {
		return err
	}
	favs, err := s.bitmaps.SumPopulation(ctx, "fav", entityType, entityID)
	if err != nil {
		return err
	}

	segs := make([]uint32, EntitySchemaLen)
	segs[EntityLikeIdx-1] = clampUint32(likes)
	segs[EntityFavIdx-1] = clampUint32(favs)

	if err := s.codec.WriteSnapshot(ctx, SnapshotKey(EntitySchema, entityType, entityID), segs); err != nil {
		return err
	}
	// The rebuilt snapshot already reflects every bit flip, so pending bucket
	// deltas are dropped rather than folded on top of it.
	bucketKey := events.BucketKey(EntitySchema, entityType, entityID)
	if err := s.codec.client.HDel(ctx, bucketKey, strconv.Itoa(EntityLikeIdx), strconv.Itoa(EntityFavIdx)).Err(); err != nil {
		return err
	}

	return s.backoff.Reset(ctx, prefix, entityType, entityID)
}

func clampUint32(v int64) uint32 {
	if v < 0 {
		return 0
	}
	if v > int64(MaxSegmentValue) {
		return MaxSegmentValue
	}
	return uint32(v)
}
