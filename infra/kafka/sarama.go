package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"streamrelay/infra/broker"
)

// SaramaPublisher publishes through a sarama SyncProducer.
type SaramaPublisher struct {
	producer sarama.SyncProducer
}

// NewSaramaConfig is the producer config used by DialSarama. Retries are
// left to the forwarder so every attempt is visible in its counters.
func NewSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "streamrelay"
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 0
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return cfg
}

// DialSarama connects a SyncProducer to brokers.
func DialSarama(brokers []string, cfg *sarama.Config) (*SaramaPublisher, error) {
	if cfg == nil {
		cfg = NewSaramaConfig()
	}
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("sarama producer: %w", err)
	}
	return NewSaramaPublisher(producer), nil
}

// NewSaramaPublisher wraps an existing producer.
func NewSaramaPublisher(producer sarama.SyncProducer) *SaramaPublisher {
	return &SaramaPublisher{producer: producer}
}

// Publish sends msg and waits for the broker's answer or ctx.
//
// SyncProducer has no context, so the send runs on its own goroutine.
// If ctx ends first the outcome is unknown: the broker may still accept
// the message, and a retry can then produce a duplicate.
func (p *SaramaPublisher) Publish(ctx context.Context, msg broker.Message) error {
	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Value: sarama.ByteEncoder(msg.Value),
	}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	for k, v := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := p.producer.SendMessage(pm)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sarama send %s: %w", msg.Topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sarama send %s: ack not received: %w", msg.Topic, ctx.Err())
	}
}

func (p *SaramaPublisher) Close() error {
	return p.producer.Close()
}
