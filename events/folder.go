package events

import "context"

// SegmentFolder applies a packed-counter mutation. counter.Codec implements
// it; this package depends only on the interface so the dependency runs
// one way (counter imports events for the bus types, not the reverse).
type SegmentFolder interface {
	// AddSegment adds delta directly to a snapshot segment.
	AddSegment(ctx context.Context, key string, schemaLen, idx int, delta int64) (uint32, error)
	// FoldAndDelete folds one aggregation bucket field into a snapshot
	// segment and removes the field, atomically.
	FoldAndDelete(ctx context.Context, bucketKey, field, snapshotKey string, schemaLen, idx int) (handled bool, newVal uint32, err error)
}

// SchemaLen reports the segment count for a known schema name.
func SchemaLen(schema string) (int, bool) {
	switch schema {
	case "entity":
		return 5, true
	case "user":
		return 5, true
	default:
		return 0, false
	}
}
