package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"github.com/ruiwen/engage/common"
	"github.com/ruiwen/engage/queue"
)

// AggregationConsumer drains one counter-events partition queue and folds
// each delta into its entity's in-memory aggregation bucket. It never
// writes the durable snapshot directly; that is the flusher's job, so a
// burst of likes on a hot entity costs one HINCRBY per event instead of one
// contended packed-counter script execution per event.
type AggregationConsumer struct {
	redis     *redis.Client
	log       *common.ContextLogger
	partition int
}

// NewAggregationConsumer builds a consumer bound to one partition index.
func NewAggregationConsumer(redisClient *redis.Client, partition int) *AggregationConsumer {
	return &AggregationConsumer{
		redis:     redisClient,
		log:       common.ServiceLogger("counter-agg", "1"),
		partition: partition,
	}
}

// Run consumes deliveries from its partition queue until ctx is canceled or
// the channel closes. Each delivery is acked only after the bucket fold
// succeeds, so a crash mid-fold leaves the message for redelivery instead
// of silently dropping a like.
func (c *AggregationConsumer) Run(ctx context.Context, bus *queue.Bus) error {
	queueName := QueueName(c.partition)
	deliveries, ch, err := bus.Consume(queueName, "counter-agg")
	if err != nil {
		return err
	}
	defer ch.Close()

	log := c.log.WithField("partition", c.partition)
	log.Info("aggregation consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, d, log)
		}
	}
}

func (c *AggregationConsumer) handle(ctx context.Context, d amqp.Delivery, log *common.ContextLogger) {
	var delta CounterDelta
	if err := json.Unmarshal(d.Body, &delta); err != nil {
		log.WithError(err).Error("dropping malformed counter delta")
		d.Ack(false)
		return
	}

	if err := IncrField(ctx, c.redis, delta.Schema, delta.EntityType, delta.EntityID, delta.Idx, delta.Delta); err != nil {
		log.WithError(err).WithField("entity", delta.EntityID).Error("failed to fold delta into bucket, will retry")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}
