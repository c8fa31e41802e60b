// Package queue wraps the AMQP message bus used for the counter-events
// topic and the canal-outbox change-data-capture topic.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// Bus holds one AMQP connection/channel pair. A single Bus is shared by a
// producer and however many consumer goroutines a process runs; the
// underlying channel is safe for concurrent Publish calls but each Consume
// should get its own channel, so Consume opens one per call.
type Bus struct {
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial opens a connection and a default channel used for publishing and
// topology declarations.
func Dial(url string) (*Bus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	return &Bus{url: url, conn: conn, ch: ch}, nil
}

// Close tears down the channel and connection.
func (b *Bus) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// DeclareTopicExchange declares a durable topic exchange, idempotently.
func (b *Bus) DeclareTopicExchange(name string) error {
	return b.ch.ExchangeDeclare(name, "topic", true, false, false, false, nil)
}

// DeclareQueue declares a durable queue, idempotently, and returns it.
func (b *Bus) DeclareQueue(name string) (amqp.Queue, error) {
	return b.ch.QueueDeclare(name, true, false, false, false, nil)
}

// BindQueue binds a queue to an exchange under a routing key.
func (b *Bus) BindQueue(queue, exchange, routingKey string) error {
	return b.ch.QueueBind(queue, routingKey, exchange, false, nil)
}

// PublishJSON marshals v and publishes it as a persistent message.
func (b *Bus) PublishJSON(ctx context.Context, exchange, routingKey string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("queue: marshal: %w", err)
	}
	return b.ch.Publish(exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume opens a dedicated channel for the consumer tag and returns a
// manual-ack delivery stream with a consumer-side prefetch of 1, so a slow
// handler does not starve other consumers sharing the queue.
func (b *Bus) Consume(queue, consumerTag string) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("queue: open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("queue: qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("queue: consume %s: %w", queue, err)
	}
	return deliveries, ch, nil
}
