package events

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruiwen/engage/common"
)

// Flusher periodically drains every registered aggregation bucket into its
// durable packed-counter snapshot. Each field is folded with the atomic
// fold-and-delete script; the flusher does not coordinate with the other
// snapshot writers (an entity rebuild's overwrite and ReplayConsumer).
type Flusher struct {
	redis    *redis.Client
	folder   SegmentFolder
	schema   string
	interval time.Duration
	log      *common.ContextLogger
}

// NewFlusher builds a flusher for one schema's buckets.
func NewFlusher(redisClient *redis.Client, folder SegmentFolder, schema string, interval time.Duration) *Flusher {
	return &Flusher{
		redis:    redisClient,
		folder:   folder,
		schema:   schema,
		interval: interval,
		log:      common.ServiceLogger("counter-flusher", "1"),
	}
}

// Run flushes on a fixed interval until ctx is canceled.
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.FlushOnce(ctx); err != nil {
				f.log.WithError(err).Warn("flush pass failed, continuing")
			}
		}
	}
}

// FlushOnce visits every bucket currently registered for the schema and
// folds each of its fields into the snapshot. It is exported so tests and
// an operator-triggered "flush now" command can drive it directly.
func (f *Flusher) FlushOnce(ctx context.Context) error {
	schemaLen, ok := SchemaLen(f.schema)
	if !ok {
		return nil
	}

	buckets, err := ListBuckets(ctx, f.redis, f.schema)
	if err != nil {
		return err
	}

	for _, bucketKey := range buckets {
		if err := f.flushBucket(ctx, bucketKey, schemaLen); err != nil {
			f.log.WithError(err).WithField("bucket", bucketKey).Warn("failed to flush bucket")
		}
	}
	return nil
}

func (f *Flusher) flushBucket(ctx context.Context, bucketKey string, schemaLen int) error {
	fields, err := ReadBucket(ctx, f.redis, bucketKey)
	if err != nil {
		return err
	}

	snapshotKey := snapshotKeyFromBucketKey(bucketKey)
	for field := range fields {
		idx, err := strconv.Atoi(field)
		if err != nil || idx < 1 || idx > schemaLen {
			continue
		}
		if _, _, err := f.folder.FoldAndDelete(ctx, bucketKey, field, snapshotKey, schemaLen, idx); err != nil {
			f.log.WithError(err).WithField("field", field).Warn("failed to fold bucket field")
		}
	}

	return ForgetBucketIfEmpty(ctx, f.redis, f.schema, bucketKey)
}

// snapshotKeyFromBucketKey rewrites an "agg:schema:etype:eid" bucket key
// into its "cnt:schema:etype:eid" snapshot counterpart.
func snapshotKeyFromBucketKey(bucketKey string) string {
	return "cnt:" + strings.TrimPrefix(bucketKey, "agg:")
}
