package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ruiwen/engage/counter"
	"github.com/ruiwen/engage/db"
)

// countSourceAdapter satisfies counter.UserCountSource by composing the
// relation store (followings/followers) and the post store (post counts and
// the post ids a self-heal pass sums like/fav engagement over). It lives
// here rather than in counter or db to avoid either package depending on
// the other two.
type countSourceAdapter struct {
	relations *db.RelationStore
	posts     *db.PostStore
	entities  *counter.EntityCounterService
}

func newCountSourceAdapter(relations *db.RelationStore, posts *db.PostStore, entities *counter.EntityCounterService) *countSourceAdapter {
	return &countSourceAdapter{relations: relations, posts: posts, entities: entities}
}

func (a *countSourceAdapter) CountFollowings(ctx context.Context, userID int64) (int64, error) {
	return a.relations.CountActiveFollowings(ctx, userID)
}

func (a *countSourceAdapter) CountFollowers(ctx context.Context, userID int64) (int64, error) {
	return a.relations.CountActiveFollowers(ctx, userID)
}

func (a *countSourceAdapter) CountPosts(ctx context.Context, userID int64) (int64, error) {
	return a.posts.CountPublishedByAuthor(ctx, userID)
}

func (a *countSourceAdapter) CountLikesReceived(ctx context.Context, userID int64) (int64, error) {
	likes, _, err := a.sumEngagement(ctx, userID)
	return likes, err
}

func (a *countSourceAdapter) CountFavsReceived(ctx context.Context, userID int64) (int64, error) {
	_, favs, err := a.sumEngagement(ctx, userID)
	return favs, err
}

// sumEngagement walks every published post a user owns and totals its
// current like/fav counts. It is the literal translation of the rebuild
// rule (sum getCounts across a user's posts) and is invoked only from the
// two self-heal paths, the periodic sampler and the per-user throttled
// HealIfDue, which bound how often it runs.
func (a *countSourceAdapter) sumEngagement(ctx context.Context, userID int64) (likes, favs int64, err error) {
	ids, err := a.posts.ListPublishedIDsByAuthor(ctx, userID)
	if err != nil {
		return 0, 0, fmt.Errorf("cli: list posts for engagement sum: %w", err)
	}
	for _, id := range ids {
		counts, err := a.entities.Read(ctx, "post", strconv.FormatInt(id, 10))
		if err != nil {
			return 0, 0, fmt.Errorf("cli: read engagement counts for post %d: %w", id, err)
		}
		likes += int64(counts.Likes)
		favs += int64(counts.Favs)
	}
	return likes, favs, nil
}
