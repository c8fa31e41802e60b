package counter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruiwen/engage/common"
)

// UserSchema is the schema name user counters are stored under.
const UserSchema = "user"

// activeUsersKey names the set of user ids that have had at least one
// segment touched, used as the sampling universe for self-healing instead
// of scanning the keyspace.
const activeUsersKey = "cnt:user:active"

// healThrottleWindow bounds how often a single user's counter can trigger a
// reader-side self-heal: the relation read path calls HealIfDue on every
// list request, so without a throttle a hot user would re-verify their
// counter on every page load instead of once per window.
const healThrottleWindow = 300 * time.Second

func healThrottleKey(userID int64) string {
	return fmt.Sprintf("ucnt:chk:%d", userID)
}

// UserCounts is a decoded user counter snapshot.
type UserCounts struct {
	Followings    uint32
	Followers     uint32
	Posts         uint32
	LikesReceived uint32
	FavsReceived  uint32
	Fresh         bool
}

// UserCountSource supplies authoritative counts from the systems of record
// (the relation tables and the post store) for self-healing comparison.
// Implemented outside this package to avoid a dependency from counter onto
// the relational and entity-counter layers it is itself a collaborator of.
type UserCountSource interface {
	CountFollowings(ctx context.Context, userID int64) (int64, error)
	CountFollowers(ctx context.Context, userID int64) (int64, error)
	CountPosts(ctx context.Context, userID int64) (int64, error)
	CountLikesReceived(ctx context.Context, userID int64) (int64, error)
	CountFavsReceived(ctx context.Context, userID int64) (int64, error)
}

// UserCounterService maintains the five-segment per-user packed counter
// (followings, followers, posts, likes received, favs received). Drift
// against the authoritative source tables is corrected two ways: a
// reader-triggered, per-user-throttled check (HealIfDue) bounds staleness to
// one throttle window after a user's own next read, and a coarse periodic
// sampler (TickSampleAndHeal) catches users whose data nobody happens to
// read.
type UserCounterService struct {
	redis  *redis.Client
	codec  *Codec
	source UserCountSource
	log    *common.ContextLogger
}

// NewUserCounterService wires a user counter service against its source of
// truth for self-healing.
func NewUserCounterService(redisClient *redis.Client, source UserCountSource) *UserCounterService {
	return &UserCounterService{
		redis:  redisClient,
		codec:  NewCodec(redisClient),
		source: source,
		log:    common.ServiceLogger("user-counter", "1"),
	}
}

func userKey(userID int64) string {
	return SnapshotKey(UserSchema, "user", strconv.FormatInt(userID, 10))
}

// IncrSegment bumps one segment of a user's counter (e.g. UserFollowingsIdx)
// by delta and registers the user as part of the self-healing sample
// universe.
func (s *UserCounterService) IncrSegment(ctx context.Context, userID int64, idx int, delta int64) (uint32, error) {
	if err := s.redis.SAdd(ctx, activeUsersKey, userID).Err(); err != nil {
		return 0, fmt.Errorf("counter: track active user %d: %w", userID, err)
	}
	return s.codec.AddSegment(ctx, userKey(userID), UserSchemaLen, idx, delta)
}

// Read returns the current user counter snapshot.
func (s *UserCounterService) Read(ctx context.Context, userID int64) (UserCounts, error) {
	segs, ok, err := s.codec.Read(ctx, userKey(userID), UserSchemaLen)
	if err != nil {
		return UserCounts{}, err
	}
	if !ok {
		return UserCounts{Fresh: false}, nil
	}
	return UserCounts{
		Followings:    segs[UserFollowingsIdx-1],
		Followers:     segs[UserFollowersIdx-1],
		Posts:         segs[UserPostsIdx-1],
		LikesReceived: segs[UserLikesReceivedIdx-1],
		FavsReceived:  segs[UserFavsReceivedIdx-1],
		Fresh:         true,
	}, nil
}

// SampleAndHeal draws up to sampleSize users at random from the active-user
// set, compares their cached counters against the authoritative source, and
// overwrites any segment that has drifted. It is meant to run on a fixed
// interval (SamplingWindow in the feed cache config) as a secondary backstop
// for users the reader-triggered HealIfDue path never catches, not as the
// primary healing mechanism.
func (s *UserCounterService) SampleAndHeal(ctx context.Context, sampleSize int) (healed int, err error) {
	ids, err := s.redis.SRandMemberN(ctx, activeUsersKey, int64(sampleSize)).Result()
	if err != nil {
		return 0, fmt.Errorf("counter: sample active users: %w", err)
	}

	for _, idStr := range ids {
		userID, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			continue
		}
		changed, err := s.healOne(ctx, userID)
		if err != nil {
			s.log.WithError(err).WithField("user", userID).Warn("failed to heal user counter")
			continue
		}
		if changed {
			healed++
		}
	}
	return healed, nil
}

// HealIfDue is the reader-triggered self-heal: a caller already loading a
// user's follow lists acquires a per-user throttle key and, only if it was
// the first to acquire it within the window, runs the full comparison
// against the authoritative sources and overwrites any drifted segment.
// Every other caller within the window is a no-op, bounding how often any
// one user's counter can force a rebuild comparison.
func (s *UserCounterService) HealIfDue(ctx context.Context, userID int64) (bool, error) {
	acquired, err := s.redis.SetNX(ctx, healThrottleKey(userID), "1", healThrottleWindow).Result()
	if err != nil {
		return false, fmt.Errorf("counter: acquire heal throttle for user %d: %w", userID, err)
	}
	if !acquired {
		return false, nil
	}
	healed, err := s.healOne(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user", userID).Warn("reader-triggered self-heal failed")
		return false, err
	}
	return healed, nil
}

func (s *UserCounterService) healOne(ctx context.Context, userID int64) (bool, error) {
	followings, err := s.source.CountFollowings(ctx, userID)
	if err != nil {
		return false, err
	}
	followers, err := s.source.CountFollowers(ctx, userID)
	if err != nil {
		return false, err
	}
	posts, err := s.source.CountPosts(ctx, userID)
	if err != nil {
		return false, err
	}
	likes, err := s.source.CountLikesReceived(ctx, userID)
	if err != nil {
		return false, err
	}
	favs, err := s.source.CountFavsReceived(ctx, userID)
	if err != nil {
		return false, err
	}

	truth := []uint32{
		clampUint32(followings),
		clampUint32(followers),
		clampUint32(posts),
		clampUint32(likes),
		clampUint32(favs),
	}

	current, ok, err := s.codec.Read(ctx, userKey(userID), UserSchemaLen)
	if err != nil {
		return false, err
	}
	if ok && equalSegments(current, truth) {
		return false, nil
	}

	return true, s.codec.WriteSnapshot(ctx, userKey(userID), truth)
}

func equalSegments(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TickSampleAndHeal runs SampleAndHeal on a fixed interval until ctx is
// canceled.
func (s *UserCounterService) TickSampleAndHeal(ctx context.Context, interval time.Duration, sampleSize int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.SampleAndHeal(ctx, sampleSize)
			if err != nil {
				s.log.WithError(err).Warn("sample-and-heal pass failed")
				continue
			}
			if n > 0 {
				s.log.WithField("healed", n).Info("self-healing pass corrected drifted user counters")
			}
		}
	}
}
