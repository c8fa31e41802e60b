package events

import (
	"context"
	"encoding/json"

	"github.com/streadway/amqp"

	"github.com/ruiwen/engage/common"
	"github.com/ruiwen/engage/queue"
)

// ReplayConsumer is an opt-in consumer that reads one counter-events
// partition queue and folds deltas directly into snapshots, bypassing the
// aggregation bucket. It consumes the same live queue as
// AggregationConsumer, so the two compete for its deliveries, and it sees
// only messages still queued or published later: the queue keeps no history
// to replay from an earliest offset.
type ReplayConsumer struct {
	folder SegmentFolder
	log    *common.ContextLogger
}

// NewReplayConsumer builds a replay consumer bound to a snapshot folder.
func NewReplayConsumer(folder SegmentFolder) *ReplayConsumer {
	return &ReplayConsumer{folder: folder, log: common.ServiceLogger("counter-rebuild", "1")}
}

// Run consumes a single partition queue, folding every delta straight into
// its snapshot segment and acking immediately after a successful fold.
func (r *ReplayConsumer) Run(ctx context.Context, bus *queue.Bus, partition int) error {
	queueName := QueueName(partition)
	deliveries, ch, err := bus.Consume(queueName, "counter-rebuild")
	if err != nil {
		return err
	}
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			r.handle(ctx, d)
		}
	}
}

func (r *ReplayConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var delta CounterDelta
	if err := json.Unmarshal(d.Body, &delta); err != nil {
		r.log.WithError(err).Error("dropping malformed counter delta during replay")
		d.Ack(false)
		return
	}

	schemaLen, ok := SchemaLen(delta.Schema)
	if !ok {
		d.Ack(false)
		return
	}

	if _, err := r.folder.AddSegment(ctx, delta.SnapshotKey(), schemaLen, delta.Idx, delta.Delta); err != nil {
		r.log.WithError(err).WithField("entity", delta.EntityID).Error("replay fold failed, will retry")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}
