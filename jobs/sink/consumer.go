// Package sink consumes the bridge topic under a consumer group and
// persists every payload.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"streamrelay/infra/broker"
	"streamrelay/infra/metrics"
)

// Store persists one payload. It reports false when the payload was
// already stored.
type Store interface {
	Persist(ctx context.Context, payload []byte) (bool, error)
}

type Config struct {
	Topic string
	Group string
}

type Consumer struct {
	cfg      Config
	sub      broker.Subscriber
	store    Store
	log      zerolog.Logger
	counters *metrics.Counters
}

type Option func(*Consumer)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Consumer) { c.log = l }
}

func WithCounters(m *metrics.Counters) Option {
	return func(c *Consumer) { c.counters = m }
}

func New(sub broker.Subscriber, store Store, cfg Config, opts ...Option) (*Consumer, error) {
	switch {
	case sub == nil:
		return nil, errors.New("sink: nil subscriber")
	case store == nil:
		return nil, errors.New("sink: nil store")
	case cfg.Topic == "" || cfg.Group == "":
		return nil, errors.New("sink: topic and group are required")
	}

	c := &Consumer{
		cfg:      cfg,
		sub:      sub,
		store:    store,
		log:      zerolog.Nop(),
		counters: &metrics.Counters{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Run consumes until ctx is done. A store error leaves the message
// uncommitted so the subscriber redelivers it.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Str("topic", c.cfg.Topic).Str("group", c.cfg.Group).Msg("sink consumer started")
	err := c.sub.Subscribe(ctx, c.cfg.Topic, c.cfg.Group, c.handle)
	c.log.Info().
		Uint64("persisted", c.counters.Persisted.Load()).
		Uint64("duplicates", c.counters.Duplicates.Load()).
		Msg("sink consumer stopped")
	return err
}

func (c *Consumer) handle(ctx context.Context, d broker.Delivery) error {
	if len(d.Value) == 0 {
		c.log.Warn().Int("partition", d.Partition).Int64("offset", d.Offset).Msg("empty payload skipped")
		return nil
	}

	inserted, err := c.store.Persist(ctx, d.Value)
	if err != nil {
		c.log.Error().Err(err).Int64("offset", d.Offset).Msg("persist failed")
		return fmt.Errorf("sink: persist offset %d: %w", d.Offset, err)
	}

	if inserted {
		c.counters.Persisted.Add(1)
	} else {
		c.counters.Duplicates.Add(1)
		c.log.Debug().Int64("offset", d.Offset).Msg("duplicate payload")
	}
	return nil
}
