package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"

	"github.com/ruiwen/engage/common"
	"github.com/ruiwen/engage/counter"
	"github.com/ruiwen/engage/queue"
)

// ProcessorQueue is the durable queue the relation event processor
// consumes, bound to every routing key on the canal-outbox exchange.
const ProcessorQueue = "relation-outbox-consumer"

// dedupTTL bounds how long a processed outbox row id is remembered. It only
// needs to outlive plausible broker redelivery delay, not forever.
const dedupTTL = 7 * 24 * time.Hour

// followPayload is the JSON shape of a follow.created/follow.canceled
// outbox payload.
type followPayload struct {
	FromUserID int64 `json:"fromUserId"`
	ToUserID   int64 `json:"toUserId"`
}

// Processor consumes canal-outbox events and materializes the read-side
// follow cache: per-user sorted sets of followings/followers ordered by
// edge creation time, plus the user counter segments that track their
// cardinality.
type Processor struct {
	redis *redis.Client
	users *counter.UserCounterService
	log   *common.ContextLogger
}

// NewProcessor wires the Redis client and user counter service the
// processor updates.
func NewProcessor(redisClient *redis.Client, users *counter.UserCounterService) *Processor {
	return &Processor{redis: redisClient, users: users, log: common.ServiceLogger("relation-processor", "1")}
}

// Bind declares the processor's queue and binds it to every outbox event
// type this package knows about.
func (p *Processor) Bind(bus *queue.Bus) error {
	if _, err := bus.DeclareQueue(ProcessorQueue); err != nil {
		return fmt.Errorf("relation: declare processor queue: %w", err)
	}
	for _, routingKey := range []string{"follow.created", "follow.canceled"} {
		if err := bus.BindQueue(ProcessorQueue, OutboxExchange, routingKey); err != nil {
			return fmt.Errorf("relation: bind processor queue to %s: %w", routingKey, err)
		}
	}
	return nil
}

// Run consumes ProcessorQueue until ctx is canceled.
func (p *Processor) Run(ctx context.Context, bus *queue.Bus) error {
	deliveries, ch, err := bus.Consume(ProcessorQueue, "relation-outbox-consumer")
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
			p.handle(ctx, d)
		}
	}
}

func (p *Processor) handle(ctx context.Context, d amqp.Delivery) {
	var env OutboxEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		p.log.WithError(err).Error("dropping malformed outbox envelope")
		d.Ack(false)
		return
	}

	fresh, err := p.claim(ctx, env.ID)
	if err != nil {
		p.log.WithError(err).WithField("outbox_id", env.ID).Error("dedup check failed, will retry")
		d.Nack(false, true)
		return
	}
	if !fresh {
		d.Ack(false)
		return
	}

	var payload followPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		p.log.WithError(err).Error("dropping malformed follow payload")
		d.Ack(false)
		return
	}

	if err := p.apply(ctx, env.Type, payload, env.CreatedAt); err != nil {
		p.log.WithError(err).WithField("outbox_id", env.ID).Error("failed to materialize follow event, will retry")
		// Release the claim so the requeued copy is applied rather than
		// skipped as a duplicate.
		if delErr := p.redis.Del(ctx, fmt.Sprintf("processed:outbox:%d", env.ID)).Err(); delErr != nil {
			p.log.WithError(delErr).WithField("outbox_id", env.ID).Warn("failed to release dedup claim")
		}
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

// claim reports whether this outbox row id has not been processed before,
// atomically marking it processed so a concurrent or redelivered copy of
// the same message sees fresh=false.
func (p *Processor) claim(ctx context.Context, outboxID int64) (fresh bool, err error) {
	key := fmt.Sprintf("processed:outbox:%d", outboxID)
	ok, err := p.redis.SetNX(ctx, key, "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("relation: claim outbox row %d: %w", outboxID, err)
	}
	return ok, nil
}

func (p *Processor) apply(ctx context.Context, eventType string, payload followPayload, createdAt time.Time) error {
	score := float64(createdAt.Unix())

	switch eventType {
	case "follow.created":
		if err := p.redis.ZAdd(ctx, followingKey(payload.FromUserID), redis.Z{Score: score, Member: payload.ToUserID}).Err(); err != nil {
			return err
		}
		if err := p.redis.ZAdd(ctx, followersKey(payload.ToUserID), redis.Z{Score: score, Member: payload.FromUserID}).Err(); err != nil {
			return err
		}
		if _, err := p.users.IncrSegment(ctx, payload.FromUserID, counter.UserFollowingsIdx, 1); err != nil {
			return err
		}
		if _, err := p.users.IncrSegment(ctx, payload.ToUserID, counter.UserFollowersIdx, 1); err != nil {
			return err
		}
	case "follow.canceled":
		if err := p.redis.ZRem(ctx, followingKey(payload.FromUserID), payload.ToUserID).Err(); err != nil {
			return err
		}
		if err := p.redis.ZRem(ctx, followersKey(payload.ToUserID), payload.FromUserID).Err(); err != nil {
			return err
		}
		if _, err := p.users.IncrSegment(ctx, payload.FromUserID, counter.UserFollowingsIdx, -1); err != nil {
			return err
		}
		if _, err := p.users.IncrSegment(ctx, payload.ToUserID, counter.UserFollowersIdx, -1); err != nil {
			return err
		}
	}
	return nil
}
