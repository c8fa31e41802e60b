package feed

import (
	"context"
	"strconv"

	"github.com/ruiwen/engage/common"
	"github.com/ruiwen/engage/counter"
	"github.com/ruiwen/engage/db"
	"github.com/ruiwen/engage/events"
)

// InvalidationListener reacts to entity counter deltas (component C's local
// notification, fired synchronously on every bitmap bit flip) by patching
// the affected post's cached feed page fragments in place and crediting the
// post owner's likes/favs-received user counter segments. It is wired as a
// synchronous subscriber rather than a bus consumer because feed staleness
// on a like is far more visible to a user than a few extra milliseconds
// added to the like request itself.
type InvalidationListener struct {
	engine *Engine
	posts  *db.PostStore
	users  *counter.UserCounterService
	log    *common.ContextLogger
}

// NewInvalidationListener wires the collaborators needed to turn a
// counter delta into a cached page count patch and a user counter credit.
func NewInvalidationListener(engine *Engine, posts *db.PostStore, users *counter.UserCounterService) *InvalidationListener {
	return &InvalidationListener{engine: engine, posts: posts, users: users, log: common.ServiceLogger("feed-invalidator", "1")}
}

// Handle is the subscriber function passed to
// EntityCounterService.Subscribe. It only acts on entity type "post": other
// entity types do not back a feed fragment.
func (l *InvalidationListener) Handle(d events.CounterDelta) {
	if d.EntityType != "post" {
		return
	}

	ctx := context.Background()
	postID, err := strconv.ParseInt(d.EntityID, 10, 64)
	if err != nil {
		l.log.WithError(err).WithField("entity", d.EntityID).Warn("non-numeric post id in counter delta")
		return
	}

	if err := l.engine.PatchPostCount(ctx, postID, d.Metric, d.Delta); err != nil {
		l.log.WithError(err).WithField("post", postID).Warn("failed to patch cached feed page counts")
	}

	l.creditOwner(ctx, postID, d)
}

func (l *InvalidationListener) creditOwner(ctx context.Context, postID int64, d events.CounterDelta) {
	ownerID, found, err := l.posts.GetOwner(ctx, postID)
	if err != nil {
		l.log.WithError(err).WithField("post", postID).Warn("failed to resolve post owner for counter credit")
		return
	}
	if !found {
		return
	}

	var idx int
	switch d.Metric {
	case "like":
		idx = counter.UserLikesReceivedIdx
	case "fav":
		idx = counter.UserFavsReceivedIdx
	default:
		return
	}

	if _, err := l.users.IncrSegment(ctx, ownerID, idx, d.Delta); err != nil {
		l.log.WithError(err).WithField("owner", ownerID).Warn("failed to credit owner's received-engagement counter")
	}
}
