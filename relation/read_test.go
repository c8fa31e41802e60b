package relation

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWarmReadService builds a ReadService with no db.RelationStore/db.PostStore
// collaborator: every test using it only exercises paths served by an
// already-warm Redis cache, so the nil store is never dereferenced. Paths
// that backfill from Postgres are left to integration testing, matching the
// rest of this package's DB-dependent coverage.
func newWarmReadService(t *testing.T) (*ReadService, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &ReadService{redis: client, bigVFloor: 500_000}, client
}

func TestToInt64Member_ParsesStringMember(t *testing.T) {
	id, ok := toInt64Member(redis.Z{Member: "42"})
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestToInt64Member_PassesThroughInt64Member(t *testing.T) {
	id, ok := toInt64Member(redis.Z{Member: int64(7)})
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)
}

func TestToInt64Member_RejectsUnparsableMember(t *testing.T) {
	_, ok := toInt64Member(redis.Z{Member: "not-a-number"})
	assert.False(t, ok)
}

func TestToInt64Member_RejectsUnknownType(t *testing.T) {
	_, ok := toInt64Member(redis.Z{Member: 3.14})
	assert.False(t, ok)
}

func TestFollowingAndFollowersKeys_AreDistinctPerUser(t *testing.T) {
	assert.Equal(t, "flw:following:1", followingKey(1))
	assert.Equal(t, "flw:followers:1", followersKey(1))
	assert.NotEqual(t, followingKey(1), followersKey(1))
	assert.NotEqual(t, followingKey(1), followingKey(2))
}

func TestFollowingOffset_ReadsFromWarmCacheWithoutTouchingStore(t *testing.T) {
	svc, client := newWarmReadService(t)
	ctx := context.Background()

	key := followingKey(1)
	for i, member := range []int64{30, 20, 10} {
		require.NoError(t, client.ZAdd(ctx, key, redis.Z{Score: float64(100 - i), Member: member}).Err())
	}

	ids, err := svc.FollowingOffset(ctx, 1, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{30, 20}, ids)

	ids, err = svc.FollowingOffset(ctx, 1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, ids)
}

func TestFollowersOffset_ReadsFromWarmCacheWithoutTouchingStore(t *testing.T) {
	svc, client := newWarmReadService(t)
	ctx := context.Background()

	key := followersKey(2)
	require.NoError(t, client.ZAdd(ctx, key, redis.Z{Score: 1, Member: int64(5)}).Err())
	require.NoError(t, client.ZAdd(ctx, key, redis.Z{Score: 2, Member: int64(6)}).Err())

	ids, err := svc.FollowersOffset(ctx, 2, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 5}, ids)
}

func TestZrevrangeIDs_SkipsUnparsableMembers(t *testing.T) {
	svc, client := newWarmReadService(t)
	ctx := context.Background()

	key := "flw:following:3"
	require.NoError(t, client.ZAdd(ctx, key, redis.Z{Score: 1, Member: "not-an-id"}).Err())
	require.NoError(t, client.ZAdd(ctx, key, redis.Z{Score: 2, Member: int64(9)}).Err())

	ids, err := svc.zrevrangeIDs(ctx, key, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []int64{9}, ids, "a malformed member must be dropped rather than fail the whole read")
}
