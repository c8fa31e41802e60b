package relation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruiwen/engage/counter"
)

type fakeUserCountSource struct{}

func (fakeUserCountSource) CountFollowings(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}
func (fakeUserCountSource) CountFollowers(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}
func (fakeUserCountSource) CountPosts(ctx context.Context, userID int64) (int64, error) { return 0, nil }
func (fakeUserCountSource) CountLikesReceived(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}
func (fakeUserCountSource) CountFavsReceived(ctx context.Context, userID int64) (int64, error) {
	return 0, nil
}

func newTestProcessor(t *testing.T) (*Processor, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	users := counter.NewUserCounterService(client, fakeUserCountSource{})
	return NewProcessor(client, users), client
}

func TestClaim_FirstSeenIsFresh(t *testing.T) {
	p, _ := newTestProcessor(t)
	fresh, err := p.claim(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestClaim_RedeliveredIdIsNotFresh(t *testing.T) {
	p, _ := newTestProcessor(t)
	ctx := context.Background()

	fresh, err := p.claim(ctx, 2)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = p.claim(ctx, 2)
	require.NoError(t, err)
	assert.False(t, fresh, "a previously claimed outbox id must not be claimed again")
}

func TestApply_FollowCreatedMaterializesBothSidesAndCounters(t *testing.T) {
	p, client := newTestProcessor(t)
	ctx := context.Background()
	createdAt := time.Unix(1_700_000_000, 0)

	require.NoError(t, p.apply(ctx, "follow.created", followPayload{FromUserID: 1, ToUserID: 2}, createdAt))

	followingScore, err := client.ZScore(ctx, followingKey(1), "2").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(createdAt.Unix()), followingScore)

	followerScore, err := client.ZScore(ctx, followersKey(2), "1").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(createdAt.Unix()), followerScore)

	fromCounts, err := p.users.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), fromCounts.Followings)

	toCounts, err := p.users.Read(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), toCounts.Followers)
}

func TestApply_FollowCanceledReversesState(t *testing.T) {
	p, client := newTestProcessor(t)
	ctx := context.Background()
	createdAt := time.Unix(1_700_000_000, 0)

	require.NoError(t, p.apply(ctx, "follow.created", followPayload{FromUserID: 3, ToUserID: 4}, createdAt))
	require.NoError(t, p.apply(ctx, "follow.canceled", followPayload{FromUserID: 3, ToUserID: 4}, createdAt))

	exists, err := client.ZScore(ctx, followingKey(3), "4").Result()
	assert.Equal(t, redis.Nil, err)
	assert.Zero(t, exists)

	fromCounts, err := p.users.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), fromCounts.Followings)
}

func TestApply_UnknownEventTypeIsNoop(t *testing.T) {
	p, _ := newTestProcessor(t)
	err := p.apply(context.Background(), "follow.mystery", followPayload{FromUserID: 5, ToUserID: 6}, time.Now())
	assert.NoError(t, err)
}
