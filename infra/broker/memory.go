package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process topic log. Every topic is a single partition,
// so per-topic order is total. Consumer groups keep their own committed
// offset; a handler error redelivers the same message.
type Memory struct {
	mu      sync.Mutex
	topics  map[string][]Delivery
	offsets map[string]int64 // group/topic -> next offset
	notify  chan struct{}
	closed  bool

	redeliverAfter time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		topics:         make(map[string][]Delivery),
		offsets:        make(map[string]int64),
		notify:         make(chan struct{}),
		redeliverAfter: 50 * time.Millisecond,
	}
}

// Publish appends msg to its topic.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	log := m.topics[msg.Topic]
	m.topics[msg.Topic] = append(log, Delivery{
		Topic:   msg.Topic,
		Offset:  int64(len(log)),
		Key:     clone(msg.Key),
		Value:   clone(msg.Value),
		Headers: msg.Headers,
	})

	close(m.notify)
	m.notify = make(chan struct{})
	return nil
}

// Messages returns a copy of a topic's log.
func (m *Memory) Messages(topic string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.topics[topic]...)
}

// Subscribe delivers topic messages from the group's committed offset on.
func (m *Memory) Subscribe(ctx context.Context, topic, group string, handle Handler) error {
	key := group + "/" + topic
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		off := m.offsets[key]
		log := m.topics[topic]
		wait := m.notify
		var d Delivery
		have := off < int64(len(log))
		if have {
			d = log[off]
		}
		m.mu.Unlock()

		if !have {
			select {
			case <-ctx.Done():
				return nil
			case <-wait:
				continue
			}
		}

		if err := handle(ctx, d); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(m.redeliverAfter):
			}
			continue
		}

		m.mu.Lock()
		if m.offsets[key] == off {
			m.offsets[key] = off + 1
		}
		m.mu.Unlock()
	}
}

// Close wakes subscribers and rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.notify)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
