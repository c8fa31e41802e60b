package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// bucketIndexKey names the explicit set of aggregation bucket keys that
// currently hold unflushed deltas, so the flusher can enumerate live buckets
// without scanning the keyspace with KEYS.
func bucketIndexKey(schema string) string {
	return fmt.Sprintf("agg:idx:%s", schema)
}

// BucketKey names the aggregation hash for one entity under one schema.
// Fields are packed-counter segment indices; values are signed running
// deltas awaiting a fold into the durable snapshot.
func BucketKey(schema, entityType, entityID string) string {
	return fmt.Sprintf("agg:%s:%s:%s", schema, entityType, entityID)
}

// IncrField folds one more delta into the in-flight aggregation bucket and
// registers the bucket in the schema's index set so the flusher will visit
// it. Both calls are pipelined so the consumer pays one round trip.
func IncrField(ctx context.Context, client *redis.Client, schema, entityType, entityID string, idx int, delta int64) error {
	key := BucketKey(schema, entityType, entityID)
	idxKey := bucketIndexKey(schema)

	pipe := client.TxPipeline()
	pipe.HIncrBy(ctx, key, strconv.Itoa(idx), delta)
	pipe.SAdd(ctx, idxKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("events: incr bucket field %s[%d]: %w", key, idx, err)
	}
	return nil
}

// ListBuckets returns every bucket key currently registered for a schema.
func ListBuckets(ctx context.Context, client *redis.Client, schema string) ([]string, error) {
	keys, err := client.SMembers(ctx, bucketIndexKey(schema)).Result()
	if err != nil {
		return nil, fmt.Errorf("events: list buckets for %s: %w", schema, err)
	}
	return keys, nil
}

// ReadBucket returns the raw field->delta contents of a bucket hash.
func ReadBucket(ctx context.Context, client *redis.Client, bucketKey string) (map[string]string, error) {
	m, err := client.HGetAll(ctx, bucketKey).Result()
	if err != nil {
		return nil, fmt.Errorf("events: read bucket %s: %w", bucketKey, err)
	}
	return m, nil
}

// ForgetBucketIfEmpty drops a bucket from the schema index and deletes its
// hash once every field has been flushed. It is safe to call on a bucket
// that has since received new deltas: HLEN guards against dropping one that
// raced a concurrent IncrField.
func ForgetBucketIfEmpty(ctx context.Context, client *redis.Client, schema, bucketKey string) error {
	n, err := client.HLen(ctx, bucketKey).Result()
	if err != nil {
		return fmt.Errorf("events: hlen %s: %w", bucketKey, err)
	}
	if n > 0 {
		return nil
	}
	pipe := client.TxPipeline()
	pipe.SRem(ctx, bucketIndexKey(schema), bucketKey)
	pipe.Del(ctx, bucketKey)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("events: forget bucket %s: %w", bucketKey, err)
	}
	return nil
}
