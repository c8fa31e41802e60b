package counter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntityMetricIdx(t *testing.T) {
	tests := []struct {
		metric  string
		wantIdx int
		wantOk  bool
	}{
		{"like", EntityLikeIdx, true},
		{"fav", EntityFavIdx, true},
		{"share", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		idx, ok := EntityMetricIdx(tt.metric)
		assert.Equal(t, tt.wantOk, ok, "metric %q", tt.metric)
		assert.Equal(t, tt.wantIdx, idx, "metric %q", tt.metric)
	}
}

func TestSnapshotKey_IsStableAndDistinct(t *testing.T) {
	k1 := SnapshotKey(EntitySchema, "post", "1")
	k2 := SnapshotKey(EntitySchema, "post", "2")
	k3 := SnapshotKey("user", "post", "1")

	assert.Equal(t, "cnt:entity:post:1", k1)
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
