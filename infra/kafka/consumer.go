package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"streamrelay/infra/backoff"
	"streamrelay/infra/broker"
)

// ConsumerConfig holds the reader settings shared by all subscriptions.
type ConsumerConfig struct {
	Brokers []string
	Logger  zerolog.Logger
	Retry   backoff.Policy
}

// Consumer subscribes to topics with kafka-go consumer group readers.
type Consumer struct {
	cfg ConsumerConfig

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker address is required")
	}
	if cfg.Retry.Base == 0 {
		cfg.Retry = backoff.Policy{Base: 200 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, Jitter: 0.2}
	}
	return &Consumer{cfg: cfg}, nil
}

// Subscribe reads topic as a member of group. A message is committed only
// after handle returned nil; a failing handler is retried with backoff
// on the same message, so the partition does not advance past it.
func (c *Consumer) Subscribe(ctx context.Context, topic, group string, handle broker.Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = reader.Close()
		return broker.ErrClosed
	}
	c.readers = append(c.readers, reader)
	c.mu.Unlock()
	defer c.release(reader)

	log := c.cfg.Logger.With().Str("topic", topic).Str("group", group).Logger()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			log.Warn().Err(err).Msg("fetch failed")
			if backoff.Sleep(ctx, c.cfg.Retry.Delay(1)) != nil {
				return nil
			}
			continue
		}

		d := fromKafkaGo(msg)
		for attempt := 1; ; attempt++ {
			err := handle(ctx, d)
			if err == nil {
				break
			}
			log.Warn().Err(err).Int64("offset", msg.Offset).Int("attempt", attempt).Msg("handler failed")
			if c.cfg.Retry.Wait(ctx, attempt) != nil {
				return nil
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit %s@%d: %w", topic, msg.Offset, err)
		}
	}
}

// release closes a reader whose subscription ended and forgets it.
func (c *Consumer) release(reader *kafka.Reader) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.readers {
		if r == reader {
			c.readers = append(c.readers[:i], c.readers[i+1:]...)
			_ = reader.Close()
			return
		}
	}
}

// active is the number of open readers.
func (c *Consumer) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readers)
}

// Close stops every reader.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	for _, r := range c.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.readers = nil
	return firstErr
}

func fromKafkaGo(msg kafka.Message) broker.Delivery {
	d := broker.Delivery{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       msg.Key,
		Value:     msg.Value,
	}
	if len(msg.Headers) > 0 {
		d.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			d.Headers[h.Key] = string(h.Value)
		}
	}
	return d
}
