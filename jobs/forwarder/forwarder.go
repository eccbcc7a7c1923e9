// Package forwarder publishes records pulled from a source to a broker
// topic, at least once and in source order.
//
// One goroutine pulls records and numbers them as tickets. A single
// publish worker resolves tickets head of line, retrying with backoff.
// At most MaxInFlight tickets exist at any time; when that many are
// pending the forwarder stops pulling, which lets the source's own
// buffer absorb the burst.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"streamrelay/domain/event"
	"streamrelay/infra/backoff"
	"streamrelay/infra/broker"
	"streamrelay/infra/metrics"
	"streamrelay/infra/sequence"
)

// Source is a finite or infinite sequence of records. Next returns
// event.ErrEndOfStream once the sequence is exhausted.
type Source interface {
	Next(ctx context.Context) (event.Record, error)
}

// ErrorSink receives every ticket given up on.
type ErrorSink interface {
	Report(ctx context.Context, t *event.Ticket) error
}

// Checkpointer remembers the id of the last acknowledged record.
type Checkpointer interface {
	SaveCheckpoint(id string) error
}

// KeyMode picks the partition key of published messages.
type KeyMode string

const (
	// KeyStatic keys every message with StaticKey, pinning the stream to
	// one partition.
	KeyStatic KeyMode = "static"
	// KeyEventType keys by the record's event type.
	KeyEventType KeyMode = "event_type"
	// KeyNone leaves the key empty.
	KeyNone KeyMode = "none"
)

const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
)

type Config struct {
	Topic          string
	MaxInFlight    int
	MaxAttempts    int
	Retry          backoff.Policy
	PublishTimeout time.Duration
	KeyMode        KeyMode
	StaticKey      string
}

func (c *Config) setDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 64
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = 100 * time.Millisecond
	}
	if c.Retry.Max <= 0 {
		c.Retry.Max = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
	if c.KeyMode == "" {
		c.KeyMode = KeyStatic
	}
	if c.StaticKey == "" {
		c.StaticKey = c.Topic
	}
}

type Option func(*Forwarder)

func WithLogger(l zerolog.Logger) Option {
	return func(f *Forwarder) { f.log = l }
}

func WithCounters(m *metrics.Counters) Option {
	return func(f *Forwarder) { f.counters = m }
}

func WithErrorSink(s ErrorSink) Option {
	return func(f *Forwarder) { f.sink = s }
}

func WithCheckpointer(c Checkpointer) Option {
	return func(f *Forwarder) { f.checkpoint = c }
}

// WithSequencer numbers tickets from an existing sequencer, so ledger
// keys keep growing across restarts.
func WithSequencer(s *sequence.Sequencer) Option {
	return func(f *Forwarder) { f.seq = s }
}

type Forwarder struct {
	cfg        Config
	pub        broker.Publisher
	log        zerolog.Logger
	counters   *metrics.Counters
	sink       ErrorSink
	checkpoint Checkpointer
	seq        *sequence.Sequencer
	now        func() time.Time

	slots    chan struct{}
	inFlight atomic.Int64

	started   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	abortCh   chan struct{}
	abortOnce sync.Once
	done      chan struct{}
}

func New(pub broker.Publisher, cfg Config, opts ...Option) (*Forwarder, error) {
	if pub == nil {
		return nil, errors.New("forwarder: nil publisher")
	}
	if cfg.Topic == "" {
		return nil, errors.New("forwarder: empty topic")
	}
	cfg.setDefaults()

	f := &Forwarder{
		cfg:      cfg,
		pub:      pub,
		log:      zerolog.Nop(),
		counters: &metrics.Counters{},
		seq:      sequence.New(0),
		now:      time.Now,
		slots:    make(chan struct{}, cfg.MaxInFlight),
		stopCh:   make(chan struct{}),
		abortCh:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// ------------------------------------------------
// RUN
// ------------------------------------------------

// Run pulls from src until it ends, Shutdown is called, or ctx is done,
// and returns once every ticket it created is resolved. Cancelling ctx
// is an immediate stop: pending tickets are lost with reason shutdown.
// Run may only be called once.
func (f *Forwarder) Run(ctx context.Context, src Source) error {
	if !f.started.CompareAndSwap(false, true) {
		return errors.New("forwarder: already running")
	}
	defer close(f.done)

	pullCtx, stopPull := context.WithCancel(ctx)
	defer stopPull()
	pubCtx, abort := context.WithCancel(ctx)
	defer abort()

	unwatch := cancelOn(f.stopCh, stopPull)
	defer unwatch()
	unwatchAbort := cancelOn(f.abortCh, abort)
	defer unwatchAbort()

	queue := make(chan *event.Ticket, f.cfg.MaxInFlight)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.publishLoop(pubCtx, queue)
	}()

	err := f.pullLoop(pullCtx, src, queue)
	close(queue)
	wg.Wait()

	f.log.Info().
		Uint64("published", f.counters.Published.Load()).
		Uint64("lost_on_shutdown", f.counters.LostOnShutdown.Load()).
		Msg("forwarder stopped")
	return err
}

func (f *Forwarder) pullLoop(ctx context.Context, src Source, queue chan<- *event.Ticket) error {
	for {
		select {
		case <-f.stopCh:
			return nil
		default:
		}

		select {
		case f.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		rec, err := src.Next(ctx)
		if err != nil {
			<-f.slots
			if ctx.Err() != nil || errors.Is(err, event.ErrEndOfStream) {
				return nil
			}
			return fmt.Errorf("forwarder: pull: %w", err)
		}

		t := event.NewTicket(f.seq.Next(), rec, f.now())
		f.inFlight.Add(1)
		// queue has one slot per ticket so this never blocks
		queue <- t
	}
}

func (f *Forwarder) publishLoop(ctx context.Context, queue <-chan *event.Ticket) {
	for t := range queue {
		f.deliver(ctx, t)
		f.inFlight.Add(-1)
		<-f.slots
	}
}

// ------------------------------------------------
// DELIVERY
// ------------------------------------------------

func (f *Forwarder) deliver(ctx context.Context, t *event.Ticket) {
	msg := f.message(t.Record)

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			f.lose(t, event.LossShutdown, firstErr(lastErr, ctx.Err()))
			return
		}

		t.Attempts = uint32(attempt)
		t.LastAttempt = f.now()

		pctx, cancel := context.WithTimeout(ctx, f.cfg.PublishTimeout)
		err := f.pub.Publish(pctx, msg)
		cancel()

		if err == nil {
			f.ack(t)
			return
		}
		lastErr = err

		if ctx.Err() != nil {
			f.lose(t, event.LossShutdown, err)
			return
		}
		if attempt == f.cfg.MaxAttempts {
			break
		}

		f.counters.PublishRetries.Add(1)
		f.log.Debug().
			Err(err).
			Uint64("seq", t.Seq).
			Str("event_id", t.Record.ID).
			Int("attempt", attempt).
			Msg("publish failed, retrying")

		if f.cfg.Retry.Wait(ctx, attempt) != nil {
			f.lose(t, event.LossShutdown, lastErr)
			return
		}
	}

	f.lose(t, event.LossRetryExhausted, lastErr)
}

func (f *Forwarder) ack(t *event.Ticket) {
	t.Ack()
	f.counters.Published.Add(1)

	if f.checkpoint == nil || !t.Record.HasID() {
		return
	}
	if err := f.checkpoint.SaveCheckpoint(t.Record.ID); err != nil {
		f.log.Warn().Err(err).Str("event_id", t.Record.ID).Msg("checkpoint not saved")
	}
}

func (f *Forwarder) lose(t *event.Ticket, reason event.LossReason, err error) {
	t.Fail(reason, err)

	switch reason {
	case event.LossShutdown:
		f.counters.LostOnShutdown.Add(1)
	default:
		f.counters.LostRetryExhausted.Add(1)
	}

	f.log.Error().
		Err(err).
		Uint64("seq", t.Seq).
		Str("event_id", t.Record.ID).
		Str("reason", string(reason)).
		Uint32("attempts", t.Attempts).
		Msg("record lost")

	if f.sink == nil {
		return
	}
	// the run context may already be gone
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := f.sink.Report(rctx, t); serr != nil {
		f.log.Error().Err(serr).Uint64("seq", t.Seq).Msg("error sink rejected ticket")
	}
}

func (f *Forwarder) message(rec event.Record) broker.Message {
	return Message(f.cfg.Topic, f.cfg.KeyMode, f.cfg.StaticKey, rec)
}

// Message builds the broker message for rec. The redrive job uses it so
// republished records look exactly like forwarded ones.
func Message(topic string, mode KeyMode, staticKey string, rec event.Record) broker.Message {
	msg := broker.Message{
		Topic:   topic,
		Value:   rec.Data,
		Headers: map[string]string{HeaderEventType: rec.Type},
	}
	if rec.HasID() {
		msg.Headers[HeaderEventID] = rec.ID
	}

	switch mode {
	case KeyEventType:
		msg.Key = []byte(rec.Type)
	case KeyNone:
	default:
		if staticKey == "" {
			staticKey = topic
		}
		msg.Key = []byte(staticKey)
	}
	return msg
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

// Shutdown stops pulling and waits for pending tickets to resolve. If
// ctx ends first, the remaining tickets are failed with reason shutdown
// and event.ErrShutdownTimeout is returned. Every ticket is resolved
// when Shutdown returns.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	if !f.started.Load() {
		return nil
	}

	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
	}

	pending := f.InFlight()
	f.abortOnce.Do(func() { close(f.abortCh) })
	<-f.done
	return fmt.Errorf("%w: %d pending", event.ErrShutdownTimeout, pending)
}

// InFlight is the number of tickets created and not yet resolved.
func (f *Forwarder) InFlight() int {
	return int(f.inFlight.Load())
}

// LastSeq is the sequence number of the newest ticket.
func (f *Forwarder) LastSeq() uint64 {
	return f.seq.Last()
}

// cancelOn calls cancel when ch closes. The returned func releases the
// watcher.
func cancelOn(ch <-chan struct{}, cancel context.CancelFunc) func() {
	quit := make(chan struct{})
	go func() {
		select {
		case <-ch:
			cancel()
		case <-quit:
		}
	}()
	return func() { close(quit) }
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
