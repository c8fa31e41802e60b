package relation

import (
	"context"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/ruiwen/engage/counter"
	"github.com/ruiwen/engage/db"
)

// Status is the three-way following relationship between two users.
type Status struct {
	Following  bool // a follows b
	FollowedBy bool // b follows a
	Mutual     bool
}

// Profile is a follow-list member's id paired with the profile fields a
// client needs to render it, preserving the order of the id list it was
// resolved from.
type Profile struct {
	UserID   int64
	Nickname string
	Avatar   string
}

// bigVCacheTTL bounds how long a follower snapshot is served before the
// next read forces a fresh load from the relational store.
const bigVCacheTTL = 10 * time.Minute

func followingKey(userID int64) string {
	return fmt.Sprintf("flw:following:%d", userID)
}

func followersKey(userID int64) string {
	return fmt.Sprintf("flw:followers:%d", userID)
}

// Page is one cursor-paginated slice of a follow list, newest edge first.
// NextCursor is the score to pass back in for the next page; HasMore is
// false once the list is exhausted.
type Page struct {
	UserIDs    []int64
	NextCursor float64
	HasMore    bool
}

// ReadService serves paginated following/follower lists from the Redis
// sorted-set cache that Processor maintains, backfilling from the
// relational store on a cold cache and routing very large follower lists
// through an in-process LRU snapshot instead of paging Redis directly.
type ReadService struct {
	redis     *redis.Client
	store     *db.RelationStore
	posts     *db.PostStore
	users     *counter.UserCounterService
	bigVFloor int64
	bigV      *lru.LRU[int64, []int64]
}

// NewReadService wires the follow read path, including the big-V follower
// snapshot cache sized by cacheSize entries with a bigVCacheTTL eviction.
// posts resolves profile fields for the …Profiles operations.
func NewReadService(redisClient *redis.Client, store *db.RelationStore, posts *db.PostStore, users *counter.UserCounterService, bigVFloor int64, cacheSize int) (*ReadService, error) {
	c := lru.NewLRU[int64, []int64](cacheSize, nil, bigVCacheTTL)
	return &ReadService{redis: redisClient, store: store, posts: posts, users: users, bigVFloor: bigVFloor, bigV: c}, nil
}

// ListFollowing returns a page of users that userID follows, most recently
// followed first. It also drives the read path's self-healing throttle: at
// most once per 300 s per user, a stale followings/followers segment is
// corrected from the relational store before the page is built.
func (r *ReadService) ListFollowing(ctx context.Context, userID int64, cursor float64, limit int) (Page, error) {
	r.healIfDue(ctx, userID)
	return r.listPaged(ctx, followingKey(userID), userID, cursor, limit, r.backfillFollowing)
}

// ListFollowers returns a page of a user's followers, most recent first.
// Once a user's follower count crosses bigVFloor, this is served from an
// in-process snapshot instead of Redis, since a celebrity account's
// follower set is read far more often than it changes and paging a
// multi-million-member sorted set on every request is wasted work.
func (r *ReadService) ListFollowers(ctx context.Context, userID int64, cursor float64, limit int) (Page, error) {
	r.healIfDue(ctx, userID)
	counts, err := r.users.Read(ctx, userID)
	if err != nil {
		return Page{}, err
	}
	if counts.Fresh && int64(counts.Followers) >= r.bigVFloor {
		return r.listFromBigVCache(ctx, userID, cursor, limit)
	}
	return r.listPaged(ctx, followersKey(userID), userID, cursor, limit, r.backfillFollowers)
}

// FollowingOffset returns userID's followings as a plain rank-offset page
// instead of a score cursor, for callers that want "give me page N" rather
// than a stable cursor across edits.
func (r *ReadService) FollowingOffset(ctx context.Context, userID int64, limit, offset int) ([]int64, error) {
	return r.listByOffset(ctx, followingKey(userID), userID, limit, offset, r.backfillFollowing)
}

// FollowersOffset is FollowingOffset for a user's followers.
func (r *ReadService) FollowersOffset(ctx context.Context, userID int64, limit, offset int) ([]int64, error) {
	return r.listByOffset(ctx, followersKey(userID), userID, limit, offset, r.backfillFollowers)
}

func (r *ReadService) listByOffset(ctx context.Context, key string, userID int64, limit, offset int, backfill func(context.Context, int64, int) error) ([]int64, error) {
	ids, err := r.zrevrangeIDs(ctx, key, offset, offset+limit-1)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		exists, err := r.redis.Exists(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("relation: check cache existence %s: %w", key, err)
		}
		if exists == 0 {
			fetchLimit := limit + offset
			if fetchLimit > 1000 {
				fetchLimit = 1000
			}
			if err := backfill(ctx, userID, fetchLimit); err != nil {
				return nil, err
			}
			ids, err = r.zrevrangeIDs(ctx, key, offset, offset+limit-1)
			if err != nil {
				return nil, err
			}
		}
	}
	return ids, nil
}

func (r *ReadService) zrevrangeIDs(ctx context.Context, key string, start, stop int) ([]int64, error) {
	members, err := r.redis.ZRevRange(ctx, key, int64(start), int64(stop)).Result()
	if err != nil {
		return nil, fmt.Errorf("relation: zrevrange %s: %w", key, err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		if id, ok := toInt64Member(redis.Z{Member: m}); ok && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// healIfDue gates the reader-triggered self-heal throttle; errors are
// swallowed by the underlying service's own logging, since a failed heal
// attempt must never block the read it rides along with.
func (r *ReadService) healIfDue(ctx context.Context, userID int64) {
	_, _ = r.users.HealIfDue(ctx, userID)
}

// RelationStatus reports the three-way following relationship between a and
// b: whether a follows b, whether b follows a, and whether both hold.
func (r *ReadService) RelationStatus(ctx context.Context, a, b int64) (Status, error) {
	following, err := r.store.IsFollowing(ctx, a, b)
	if err != nil {
		return Status{}, fmt.Errorf("relation: check %d follows %d: %w", a, b, err)
	}
	followedBy, err := r.store.IsFollowing(ctx, b, a)
	if err != nil {
		return Status{}, fmt.Errorf("relation: check %d follows %d: %w", b, a, err)
	}
	return Status{Following: following, FollowedBy: followedBy, Mutual: following && followedBy}, nil
}

// FollowingProfiles composes a following page with a batched profile lookup,
// preserving the id list's order.
func (r *ReadService) FollowingProfiles(ctx context.Context, userID int64, cursor float64, limit int) ([]Profile, Page, error) {
	page, err := r.ListFollowing(ctx, userID, cursor, limit)
	if err != nil {
		return nil, Page{}, err
	}
	profiles, err := r.resolveProfiles(ctx, page.UserIDs)
	return profiles, page, err
}

// FollowersProfiles is FollowingProfiles for a user's followers.
func (r *ReadService) FollowersProfiles(ctx context.Context, userID int64, cursor float64, limit int) ([]Profile, Page, error) {
	page, err := r.ListFollowers(ctx, userID, cursor, limit)
	if err != nil {
		return nil, Page{}, err
	}
	profiles, err := r.resolveProfiles(ctx, page.UserIDs)
	return profiles, page, err
}

func (r *ReadService) resolveProfiles(ctx context.Context, ids []int64) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	users, err := r.posts.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("relation: resolve profiles: %w", err)
	}
	profiles := make([]Profile, len(ids))
	for i, id := range ids {
		profiles[i] = Profile{UserID: id}
		if u, ok := users[id]; ok {
			profiles[i].Nickname = u.Nickname
			profiles[i].Avatar = u.Avatar
		}
	}
	return profiles, nil
}

func (r *ReadService) listFromBigVCache(ctx context.Context, userID int64, cursor float64, limit int) (Page, error) {
	ids, ok := r.bigV.Get(userID)
	if !ok {
		var err error
		ids, err = r.fullFollowerSnapshot(ctx, userID)
		if err != nil {
			return Page{}, err
		}
		r.bigV.Add(userID, ids)
	}

	start := int(cursor)
	if start < 0 || start > len(ids) {
		start = 0
	}
	end := start + limit
	hasMore := end < len(ids)
	if end > len(ids) {
		end = len(ids)
	}

	return Page{UserIDs: ids[start:end], NextCursor: float64(end), HasMore: hasMore}, nil
}

// fullFollowerSnapshot loads the complete follower id list from the
// relational store, newest first, bounded at a generous cap so a runaway
// follower count cannot exhaust memory.
func (r *ReadService) fullFollowerSnapshot(ctx context.Context, userID int64) ([]int64, error) {
	const snapshotCap = 2_000_000
	edges, err := r.store.ListFollowersSince(ctx, userID, snapshotCap)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(edges))
	for i, e := range edges {
		ids[i] = e.UserID
	}
	return ids, nil
}

func (r *ReadService) listPaged(ctx context.Context, key string, userID int64, cursor float64, limit int, backfill func(context.Context, int64, int) error) (Page, error) {
	maxScore := "+inf"
	if cursor > 0 {
		maxScore = fmt.Sprintf("(%f", cursor)
	}

	members, err := r.redis.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: int64(limit) + 1,
	}).Result()
	if err != nil {
		return Page{}, fmt.Errorf("relation: page %s: %w", key, err)
	}

	if len(members) == 0 && cursor == 0 {
		exists, err := r.redis.Exists(ctx, key).Result()
		if err != nil {
			return Page{}, fmt.Errorf("relation: check cache existence %s: %w", key, err)
		}
		if exists == 0 {
			if err := backfill(ctx, userID, 5000); err != nil {
				return Page{}, err
			}
			members, err = r.redis.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
				Min:   "-inf",
				Max:   maxScore,
				Count: int64(limit) + 1,
			}).Result()
			if err != nil {
				return Page{}, fmt.Errorf("relation: page %s after backfill: %w", key, err)
			}
		}
	}

	hasMore := len(members) > limit
	if hasMore {
		members = members[:limit]
	}

	ids := make([]int64, 0, len(members))
	var nextCursor float64
	for _, m := range members {
		// A negative-score sentinel member marks a backfilled-but-empty
		// list; it is bookkeeping for seedZSet, never a real user id.
		if id, ok := toInt64Member(m); ok && id > 0 {
			ids = append(ids, id)
		}
		nextCursor = m.Score
	}

	return Page{UserIDs: ids, NextCursor: nextCursor, HasMore: hasMore}, nil
}

func toInt64Member(z redis.Z) (int64, bool) {
	switch v := z.Member.(type) {
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0, false
		}
		return n, true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func (r *ReadService) backfillFollowing(ctx context.Context, userID int64, limit int) error {
	edges, err := r.store.ListFollowingSince(ctx, userID, limit)
	if err != nil {
		return err
	}
	return r.seedZSet(ctx, followingKey(userID), edges)
}

func (r *ReadService) backfillFollowers(ctx context.Context, userID int64, limit int) error {
	edges, err := r.store.ListFollowersSince(ctx, userID, limit)
	if err != nil {
		return err
	}
	return r.seedZSet(ctx, followersKey(userID), edges)
}

func (r *ReadService) seedZSet(ctx context.Context, key string, edges []db.FollowEdge) error {
	if len(edges) == 0 {
		// Mark the key as known-empty so repeated cold lookups don't
		// hammer the relational store on every page request.
		return r.redis.ZAdd(ctx, key, redis.Z{Score: math.Inf(-1), Member: -1}).Err()
	}
	zs := make([]redis.Z, len(edges))
	for i, e := range edges {
		zs[i] = redis.Z{Score: float64(e.CreatedAt.Unix()), Member: e.UserID}
	}
	return r.redis.ZAdd(ctx, key, zs...).Err()
}
