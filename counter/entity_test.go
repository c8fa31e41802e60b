package counter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruiwen/engage/bitmap"
	"github.com/ruiwen/engage/events"
)

func newTestEntityService(t *testing.T) (*EntityCounterService, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	svc := NewEntityCounterService(client, nil, 5, time.Minute, time.Second, 10*time.Second, 5*time.Second)
	return svc, mr
}

func TestToggle_UnknownMetricIsNoop(t *testing.T) {
	svc, _ := newTestEntityService(t)
	changed, err := svc.Toggle(context.Background(), "post", "1", "share", 42, bitmap.OpAdd)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestToggle_RepeatedAddIsNoop(t *testing.T) {
	svc, _ := newTestEntityService(t)
	ctx := context.Background()

	changed, err := svc.Toggle(ctx, "post", "1", "like", 42, bitmap.OpAdd)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = svc.Toggle(ctx, "post", "1", "like", 42, bitmap.OpAdd)
	require.NoError(t, err)
	assert.False(t, changed, "toggling to an already-held state must report no change")
}

func TestToggle_NotifiesSubscribersOnChange(t *testing.T) {
	svc, _ := newTestEntityService(t)
	ctx := context.Background()

	var received []events.CounterDelta
	svc.Subscribe(func(d events.CounterDelta) {
		received = append(received, d)
	})

	changed, err := svc.Toggle(ctx, "post", "9", "like", 42, bitmap.OpAdd)
	require.NoError(t, err)
	require.True(t, changed)

	require.Len(t, received, 1)
	assert.Equal(t, "post", received[0].EntityType)
	assert.Equal(t, "9", received[0].EntityID)
	assert.Equal(t, "like", received[0].Metric)
	assert.Equal(t, int64(42), received[0].UserID)
	assert.Equal(t, int64(1), received[0].Delta)

	changed, err = svc.Toggle(ctx, "post", "9", "like", 42, bitmap.OpAdd)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, received, 1, "a no-op toggle must not notify subscribers again")
}

func TestRead_UnwrittenEntityIsNotFresh(t *testing.T) {
	svc, _ := newTestEntityService(t)
	counts, err := svc.Read(context.Background(), "post", "nonexistent")
	require.NoError(t, err)
	assert.False(t, counts.Fresh)
}

func TestRequestRebuild_RecomputesFromBitmap(t *testing.T) {
	svc, _ := newTestEntityService(t)
	ctx := context.Background()

	for _, uid := range []int64{1, 2, 3} {
		changed, err := svc.Toggle(ctx, "post", "77", "like", uid, bitmap.OpAdd)
		require.NoError(t, err)
		assert.True(t, changed)
	}
	changed, err := svc.Toggle(ctx, "post", "77", "fav", 1, bitmap.OpAdd)
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, svc.RequestRebuild(ctx, "post", "77"))

	counts, err := svc.Read(ctx, "post", "77")
	require.NoError(t, err)
	require.True(t, counts.Fresh)
	assert.Equal(t, uint32(3), counts.Likes)
	assert.Equal(t, uint32(1), counts.Favs)
}

func TestGetCountsBatch_MixesFreshAndMissingEntities(t *testing.T) {
	svc, _ := newTestEntityService(t)
	ctx := context.Background()

	for _, uid := range []int64{1, 2} {
		_, err := svc.Toggle(ctx, "post", "1", "like", uid, bitmap.OpAdd)
		require.NoError(t, err)
	}
	require.NoError(t, svc.RequestRebuild(ctx, "post", "1"))

	counts, err := svc.GetCountsBatch(ctx, "post", []string{"1", "2"})
	require.NoError(t, err)
	require.Len(t, counts, 2)

	assert.True(t, counts["1"].Fresh)
	assert.Equal(t, uint32(2), counts["1"].Likes)

	assert.False(t, counts["2"].Fresh, "an entity with no snapshot must come back not-fresh rather than error")
}

func TestGetCountsBatch_EmptyInputReturnsEmptyMap(t *testing.T) {
	svc, _ := newTestEntityService(t)
	counts, err := svc.GetCountsBatch(context.Background(), "post", nil)
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestIsLikedAndIsFaved_ReflectBitmapState(t *testing.T) {
	svc, _ := newTestEntityService(t)
	ctx := context.Background()

	liked, err := svc.IsLiked(ctx, "post", "5", 42)
	require.NoError(t, err)
	assert.False(t, liked)

	_, err = svc.Toggle(ctx, "post", "5", "like", 42, bitmap.OpAdd)
	require.NoError(t, err)

	liked, err = svc.IsLiked(ctx, "post", "5", 42)
	require.NoError(t, err)
	assert.True(t, liked)

	faved, err := svc.IsFaved(ctx, "post", "5", 42)
	require.NoError(t, err)
	assert.False(t, faved, "liking must not also flip the fav bit")
}

func TestRequestRebuild_RefusedWhileLockHeld(t *testing.T) {
	svc, _ := newTestEntityService(t)
	ctx := context.Background()

	handle, ok, err := svc.locker.TryAcquire(ctx, "lock:sds-rebuild:post:88", svc.lockTTL)
	require.NoError(t, err)
	require.True(t, ok)
	t.Cleanup(func() { handle.Release(ctx) })

	// Rebuild should not error out even though it can't acquire the lock;
	// it escalates backoff instead.
	require.NoError(t, svc.RequestRebuild(ctx, "post", "88"))

	cooling, err := svc.backoff.InCooldown(ctx, "sds-rebuild", "post", "88")
	require.NoError(t, err)
	assert.True(t, cooling, "a refused rebuild attempt must escalate backoff")
}
