package bitmap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewStore(client), mr
}

func TestLocate(t *testing.T) {
	tests := []struct {
		name      string
		userID    int64
		wantChunk int64
		wantBit   int64
	}{
		{"zero", 0, 0, 0},
		{"chunk edge low", 32767, 0, 32767},
		{"chunk edge high", 32768, 1, 0},
		{"second chunk", 65535, 1, 32767},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunk, bit := Locate(tt.userID)
			assert.Equal(t, tt.wantChunk, chunk)
			assert.Equal(t, tt.wantBit, bit)
		})
	}
}

func TestToggle_AddThenSameStateIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.Toggle(ctx, "like", "knowpost", "100", 42, OpAdd)
	require.NoError(t, err)
	assert.Equal(t, Changed, res)

	res, err = store.Toggle(ctx, "like", "knowpost", "100", 42, OpAdd)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
}

func TestToggle_AddThenRemove(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res, err := store.Toggle(ctx, "like", "knowpost", "100", 42, OpAdd)
	require.NoError(t, err)
	assert.Equal(t, Changed, res)

	on, err := store.GetBit(ctx, "like", "knowpost", "100", 42)
	require.NoError(t, err)
	assert.True(t, on)

	res, err = store.Toggle(ctx, "like", "knowpost", "100", 42, OpRemove)
	require.NoError(t, err)
	assert.Equal(t, Changed, res)

	on, err = store.GetBit(ctx, "like", "knowpost", "100", 42)
	require.NoError(t, err)
	assert.False(t, on)

	res, err = store.Toggle(ctx, "like", "knowpost", "100", 42, OpRemove)
	require.NoError(t, err)
	assert.Equal(t, Unchanged, res)
}

func TestToggle_UnknownOp(t *testing.T) {
	store, _ := newTestStore(t)
	res, err := store.Toggle(context.Background(), "like", "knowpost", "100", 42, Op(99))
	require.NoError(t, err)
	assert.Equal(t, Unknown, res)
}

func TestSumPopulation_AcrossShards(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Toggle(ctx, "like", "knowpost", "7", 1, OpAdd)
	require.NoError(t, err)
	_, err = store.Toggle(ctx, "like", "knowpost", "7", 32_768, OpAdd)
	require.NoError(t, err)
	_, err = store.Toggle(ctx, "like", "knowpost", "7", 65_536, OpAdd)
	require.NoError(t, err)

	total, err := store.SumPopulation(ctx, "like", "knowpost", "7")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestSumPopulation_NoShardsTouched(t *testing.T) {
	store, _ := newTestStore(t)
	total, err := store.SumPopulation(context.Background(), "like", "knowpost", "nonexistent")
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestToggle_CommutativeAcrossDifferentUsers(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	res1, err := store.Toggle(ctx, "fav", "knowpost", "7", 1, OpAdd)
	require.NoError(t, err)
	res2, err := store.Toggle(ctx, "fav", "knowpost", "7", 2, OpAdd)
	require.NoError(t, err)

	assert.Equal(t, Changed, res1)
	assert.Equal(t, Changed, res2)

	total, err := store.SumPopulation(ctx, "fav", "knowpost", "7")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
}
