package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterDelta_SnapshotKey(t *testing.T) {
	d := CounterDelta{Schema: "entity", EntityType: "post", EntityID: "42"}
	assert.Equal(t, "cnt:entity:post:42", d.SnapshotKey())
}

func TestCounterDelta_PartitionKey(t *testing.T) {
	d := CounterDelta{EntityType: "post", EntityID: "42"}
	assert.Equal(t, "post:42", d.PartitionKey())
}
