package feed

import (
	"testing"

	"github.com/ruiwen/engage/events"
)

func TestHandle_IgnoresNonPostEntityTypes(t *testing.T) {
	// engine/posts/users are nil: if the entity-type guard did not
	// short-circuit first, this would panic on a nil pointer dereference
	// instead of returning immediately.
	l := NewInvalidationListener(nil, nil, nil)
	l.Handle(events.CounterDelta{EntityType: "user", EntityID: "1", Metric: "like", Delta: 1})
}

func TestHandle_IgnoresNonNumericPostID(t *testing.T) {
	l := NewInvalidationListener(nil, nil, nil)
	l.Handle(events.CounterDelta{EntityType: "post", EntityID: "not-a-number", Metric: "like", Delta: 1})
}
