package counter

// FieldSize is the width, in bytes, of one packed-counter segment. Segments
// are stored big-endian and clamp to [0, 2^32-1].
const FieldSize = 4

// MaxSegmentValue is the saturation ceiling for a single segment.
const MaxSegmentValue = uint32(1<<32 - 1)

// EntitySchemaLen is the number of segments in an entity counter snapshot.
// Only Like and Fav are assigned today; the remaining three are reserved
// for metrics not yet in scope, so existing snapshots never need resizing
// when a new metric is added.
const EntitySchemaLen = 5

const (
	EntityLikeIdx = 1
	EntityFavIdx  = 2
)

// EntityMetricIdx maps a metric name to its 1-based segment index in the
// entity counter schema.
func EntityMetricIdx(metric string) (int, bool) {
	switch metric {
	case "like":
		return EntityLikeIdx, true
	case "fav":
		return EntityFavIdx, true
	default:
		return 0, false
	}
}

// UserSchemaLen is the number of segments in a user counter snapshot.
const UserSchemaLen = 5

const (
	UserFollowingsIdx    = 1
	UserFollowersIdx     = 2
	UserPostsIdx         = 3
	UserLikesReceivedIdx = 4
	UserFavsReceivedIdx  = 5
)

// SnapshotKey names the packed-counter key for one schema/entity pair.
func SnapshotKey(schema, entityType, entityID string) string {
	return "cnt:" + schema + ":" + entityType + ":" + entityID
}
