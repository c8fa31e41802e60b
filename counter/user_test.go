package counter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUserCountSource struct {
	followings, followers, posts, likes, favs map[int64]int64
}

func newFakeSource() *fakeUserCountSource {
	return &fakeUserCountSource{
		followings: map[int64]int64{},
		followers:  map[int64]int64{},
		posts:      map[int64]int64{},
		likes:      map[int64]int64{},
		favs:       map[int64]int64{},
	}
}

func (f *fakeUserCountSource) CountFollowings(ctx context.Context, userID int64) (int64, error) {
	return f.followings[userID], nil
}
func (f *fakeUserCountSource) CountFollowers(ctx context.Context, userID int64) (int64, error) {
	return f.followers[userID], nil
}
func (f *fakeUserCountSource) CountPosts(ctx context.Context, userID int64) (int64, error) {
	return f.posts[userID], nil
}
func (f *fakeUserCountSource) CountLikesReceived(ctx context.Context, userID int64) (int64, error) {
	return f.likes[userID], nil
}
func (f *fakeUserCountSource) CountFavsReceived(ctx context.Context, userID int64) (int64, error) {
	return f.favs[userID], nil
}

func newTestUserService(t *testing.T) (*UserCounterService, *fakeUserCountSource) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	source := newFakeSource()
	return NewUserCounterService(client, source), source
}

func TestIncrSegment_AccumulatesAndRegistersActiveUser(t *testing.T) {
	svc, _ := newTestUserService(t)
	ctx := context.Background()

	v, err := svc.IncrSegment(ctx, 1, UserFollowingsIdx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	counts, err := svc.Read(ctx, 1)
	require.NoError(t, err)
	require.True(t, counts.Fresh)
	assert.Equal(t, uint32(1), counts.Followings)
}

func TestRead_UnknownUserIsNotFresh(t *testing.T) {
	svc, _ := newTestUserService(t)
	counts, err := svc.Read(context.Background(), 999)
	require.NoError(t, err)
	assert.False(t, counts.Fresh)
}

func TestSampleAndHeal_CorrectsDriftedCounter(t *testing.T) {
	svc, source := newTestUserService(t)
	ctx := context.Background()

	_, err := svc.IncrSegment(ctx, 1, UserFollowersIdx, 5)
	require.NoError(t, err)

	source.followers[1] = 9
	source.followings[1] = 2

	healed, err := svc.SampleAndHeal(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, healed)

	counts, err := svc.Read(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), counts.Followers)
	assert.Equal(t, uint32(2), counts.Followings)
}

func TestSampleAndHeal_SkipsUsersAlreadyMatchingTruth(t *testing.T) {
	svc, source := newTestUserService(t)
	ctx := context.Background()

	_, err := svc.IncrSegment(ctx, 2, UserPostsIdx, 3)
	require.NoError(t, err)
	source.posts[2] = 3

	healed, err := svc.SampleAndHeal(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, healed, "a counter already matching the source of truth should not count as healed")
}

func TestHealIfDue_FirstCallHealsSubsequentCallsThrottled(t *testing.T) {
	svc, source := newTestUserService(t)
	ctx := context.Background()

	_, err := svc.IncrSegment(ctx, 3, UserFollowersIdx, 1)
	require.NoError(t, err)
	source.followers[3] = 7

	healed, err := svc.HealIfDue(ctx, 3)
	require.NoError(t, err)
	assert.True(t, healed)

	counts, err := svc.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), counts.Followers)

	// Drift again; the throttle key is still held, so this call must be a
	// silent no-op rather than re-running the comparison.
	source.followers[3] = 20
	healed, err = svc.HealIfDue(ctx, 3)
	require.NoError(t, err)
	assert.False(t, healed, "a second call within the throttle window must not re-heal")

	counts, err = svc.Read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), counts.Followers, "the stale value must survive until the throttle window lapses")
}

func TestHealIfDue_NoDriftReportsNotHealed(t *testing.T) {
	svc, source := newTestUserService(t)
	ctx := context.Background()

	_, err := svc.IncrSegment(ctx, 4, UserPostsIdx, 2)
	require.NoError(t, err)
	source.posts[4] = 2

	healed, err := svc.HealIfDue(ctx, 4)
	require.NoError(t, err)
	assert.False(t, healed)
}

func TestSampleAndHeal_NoActiveUsersHealsNothing(t *testing.T) {
	svc, _ := newTestUserService(t)
	healed, err := svc.SampleAndHeal(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, healed)
}
