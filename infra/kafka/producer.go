package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"streamrelay/infra/broker"
)

// Producer publishes through a kafka-go Writer.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer returns a synchronous writer. Messages with the same key
// land on the same partition.
func NewProducer(brokers []string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  1,
		},
	}
}

// Publish blocks until the write is acknowledged or ctx is done.
func (p *Producer) Publish(ctx context.Context, msg broker.Message) error {
	if err := p.writer.WriteMessages(ctx, toKafkaGo(msg)); err != nil {
		return fmt.Errorf("kafka-go write %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func toKafkaGo(msg broker.Message) kafka.Message {
	out := kafka.Message{
		Topic: msg.Topic,
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		out.Headers = append(out.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}
