// Package relation implements the follow-relation write path, its
// change-data-capture bridge onto the bus, the idempotent consumer that
// materializes the read-side cache, and the paginated read path itself.
package relation

import (
	"context"
	"errors"
	"strconv"

	"github.com/ruiwen/engage/db"
	"github.com/ruiwen/engage/ratelimit"
)

// ErrSelfFollow is returned when a user attempts to follow themselves.
var ErrSelfFollow = errors.New("relation: cannot follow self")

// FollowOutcome describes what happened to a Follow/Unfollow call beyond a
// plain error, since "already following" and "rate limited" are both
// legitimate, idempotent-safe outcomes rather than failures.
type FollowOutcome int

const (
	FollowApplied FollowOutcome = iota
	FollowAlreadyActive
	FollowRateLimited
)

// WriteService admits follow/unfollow requests through a per-user token
// bucket before handing them to the transactional relation+outbox write.
type WriteService struct {
	store   *db.RelationStore
	limiter *ratelimit.Limiter
}

// NewWriteService wires the relation store and its admission limiter.
func NewWriteService(store *db.RelationStore, limiter *ratelimit.Limiter) *WriteService {
	return &WriteService{store: store, limiter: limiter}
}

func limiterKey(userID int64) string {
	return "rl:follow:" + strconv.FormatInt(userID, 10)
}

// Follow admits and applies a follow request. A rate-limited or
// already-active outcome is not an error: both leave the system in the
// caller's desired end state.
func (w *WriteService) Follow(ctx context.Context, fromUserID, toUserID int64) (FollowOutcome, error) {
	if fromUserID == toUserID {
		return 0, ErrSelfFollow
	}

	allowed, err := w.limiter.Allow(ctx, limiterKey(fromUserID))
	if err != nil {
		return 0, err
	}
	if !allowed {
		return FollowRateLimited, nil
	}

	_, inserted, err := w.store.InsertFollow(ctx, fromUserID, toUserID)
	if err != nil {
		return 0, err
	}
	if !inserted {
		return FollowAlreadyActive, nil
	}
	return FollowApplied, nil
}

// Unfollow cancels an active follow edge. It is not rate limited: the
// token bucket exists to bound follow spam, not to slow down reversing it.
func (w *WriteService) Unfollow(ctx context.Context, fromUserID, toUserID int64) (updated bool, err error) {
	_, updated, err = w.store.CancelFollow(ctx, fromUserID, toUserID)
	return updated, err
}
