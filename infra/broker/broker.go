// Package broker defines the topic the bridge publishes to and the sink
// consumes from. Implementations: Memory (single process), and the Kafka
// drivers in infra/kafka.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by a closed broker.
var ErrClosed = errors.New("broker: closed")

// Message is one record bound for a topic.
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Delivery is one record handed to a subscriber.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
}

// Publisher sends messages to a topic. Publish returns nil only after
// the broker acknowledged the message. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes one delivery. Returning an error leaves the
// delivery uncommitted.
type Handler func(ctx context.Context, d Delivery) error

// Subscriber consumes a topic under a consumer group. Subscribe blocks
// until ctx is done or the subscriber is closed.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handle Handler) error
	Close() error
}
