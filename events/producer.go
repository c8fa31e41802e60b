package events

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/ruiwen/engage/queue"
)

// Exchange is the topic exchange every counter delta is published to.
const Exchange = "counter-events"

// Partitions is the number of routing-key partitions the counter-events
// exchange is split into. AMQP has no native partitioned-topic concept, so
// ordering per entity is approximated by hashing the entity key onto a
// fixed set of queues, each bound to exactly one consumer goroutine: same
// entity always lands on the same queue, and a queue with one consumer
// delivers in publish order.
const Partitions = 8

// QueueName returns the partition queue name for a given partition index.
func QueueName(partition int) string {
	return fmt.Sprintf("counter-events.p%d", partition)
}

// PartitionFor hashes a partition key onto [0, Partitions).
func PartitionFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % Partitions)
}

// Producer publishes counter deltas onto the partitioned counter-events bus.
type Producer struct {
	bus *queue.Bus
}

// NewProducer declares the exchange and its partition queues and returns a
// ready-to-use producer.
func NewProducer(bus *queue.Bus) (*Producer, error) {
	if err := bus.DeclareTopicExchange(Exchange); err != nil {
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	for p := 0; p < Partitions; p++ {
		name := QueueName(p)
		if _, err := bus.DeclareQueue(name); err != nil {
			return nil, fmt.Errorf("events: declare queue %s: %w", name, err)
		}
		if err := bus.BindQueue(name, Exchange, name); err != nil {
			return nil, fmt.Errorf("events: bind queue %s: %w", name, err)
		}
	}
	return &Producer{bus: bus}, nil
}

// Publish routes a delta to its partition queue by entity key.
func (p *Producer) Publish(ctx context.Context, d CounterDelta) error {
	partition := PartitionFor(d.PartitionKey())
	routingKey := QueueName(partition)
	if err := p.bus.PublishJSON(ctx, Exchange, routingKey, d); err != nil {
		return fmt.Errorf("events: publish delta for %s: %w", d.PartitionKey(), err)
	}
	return nil
}
