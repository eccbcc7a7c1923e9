package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"streamrelay/domain/event"
	"streamrelay/infra/metrics"
	"streamrelay/jobs/forwarder"
)

// Stream is the stream client as the bridge drives it.
type Stream interface {
	forwarder.Source
	Open(ctx context.Context, lastEventID string) (event.Snapshot, error)
	Run(ctx context.Context) error
	Discard() int
	Snapshot() event.Snapshot
}

// Forwarder is the publishing half of the bridge.
type Forwarder interface {
	Run(ctx context.Context, src forwarder.Source) error
	Shutdown(ctx context.Context) error
	InFlight() int
	LastSeq() uint64
}

// Checkpoints returns the id to resume from. An empty id starts at the
// live edge.
type Checkpoints interface {
	Checkpoint() (string, error)
}

type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	// ShutdownGrace bounds how long Stop waits for pending tickets.
	ShutdownGrace time.Duration
	Logger        zerolog.Logger
	Counters      *metrics.Counters
	Checkpoints   Checkpoints
}

// StopReport is what the shutdown coordinator observed.
type StopReport struct {
	Drained        bool
	LostOnShutdown uint64
	Discarded      uint64
	Took           time.Duration
}

// Stats is a point-in-time view for operators.
type Stats struct {
	State    State
	Session  event.Snapshot
	InFlight int
	LastSeq  uint64
	Counters metrics.Snapshot
}

// Bridge runs a stream client and a forwarder as one unit.
//
// Start opens the stream and launches both halves. Stop is the shutdown
// coordinator: it stops pulling, drains the forwarder within the grace
// period, then closes the stream and discards what it still buffered.
type Bridge struct {
	stream   Stream
	fwd      Forwarder
	cfg      Config
	log      zerolog.Logger
	counters *metrics.Counters

	mu           sync.Mutex
	state        State
	cancelOpen   context.CancelFunc
	cancelStream context.CancelFunc
	cancelAll    context.CancelFunc
	done         chan struct{}
	runErr       error

	stopOnce   sync.Once
	stopReport StopReport
	stopErr    error
}

func New(stream Stream, fwd Forwarder, cfg Config) *Bridge {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 15 * time.Second
	}
	if cfg.Counters == nil {
		cfg.Counters = &metrics.Counters{}
	}
	return &Bridge{
		stream:   stream,
		fwd:      fwd,
		cfg:      cfg,
		log:      cfg.Logger,
		counters: cfg.Counters,
		done:     make(chan struct{}),
	}
}

// ------------------------------------------------
// START
// ------------------------------------------------

// Start opens the stream, resuming from the stored checkpoint, and
// launches the pipeline. ctx only bounds the initial connect; the
// pipeline runs until Stop.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return fmt.Errorf("bridge: cannot start from %s", b.state)
	}
	b.state = StateRunning
	b.mu.Unlock()

	lastID := ""
	if b.cfg.Checkpoints != nil {
		id, err := b.cfg.Checkpoints.Checkpoint()
		if err != nil {
			b.fail()
			return fmt.Errorf("bridge: read checkpoint: %w", err)
		}
		lastID = id
	}

	base, cancelAll := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(base)
	streamCtx, cancelStream := context.WithCancel(gctx)

	b.mu.Lock()
	stopping := b.state != StateRunning
	b.cancelOpen = cancelStream
	b.mu.Unlock()

	var (
		snap event.Snapshot
		err  error
	)
	if stopping {
		err = context.Canceled
	} else {
		stopOpen := context.AfterFunc(ctx, cancelStream)
		snap, err = b.stream.Open(streamCtx, lastID)
		stopOpen()
	}

	b.mu.Lock()
	b.cancelOpen = nil
	stopping = b.state != StateRunning
	if err == nil && !stopping {
		b.cancelStream, b.cancelAll = cancelStream, cancelAll
	}
	b.mu.Unlock()

	if err != nil || stopping {
		cancelStream()
		cancelAll()
		if stopping {
			close(b.done)
			return errors.New("bridge: stopped while starting")
		}
		b.fail()
		return fmt.Errorf("bridge: open stream: %w", err)
	}

	b.log.Info().
		Str("resume_from", lastID).
		Uint64("attempt", snap.Attempt).
		Msg("bridge started")

	g.Go(func() error { return b.stream.Run(streamCtx) })
	g.Go(func() error { return b.fwd.Run(gctx, b.stream) })

	go func() {
		err := g.Wait()
		b.mu.Lock()
		b.runErr = err
		b.mu.Unlock()
		close(b.done)
	}()
	return nil
}

func (b *Bridge) fail() {
	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
	close(b.done)
}

// Done is closed once both halves have returned.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the pipeline ends and returns its error, if any.
func (b *Bridge) Wait() error {
	<-b.done
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runErr
}

// ------------------------------------------------
// STOP
// ------------------------------------------------

// Stop shuts the bridge down. It is safe to call more than once; later
// calls return the first call's report. When ctx ends before the grace
// period the shorter deadline wins. The error wraps
// event.ErrShutdownTimeout when tickets had to be given up.
func (b *Bridge) Stop(ctx context.Context) (StopReport, error) {
	b.stopOnce.Do(func() {
		b.stopReport, b.stopErr = b.shutdown(ctx)
	})
	return b.stopReport, b.stopErr
}

func (b *Bridge) shutdown(ctx context.Context) (StopReport, error) {
	b.mu.Lock()
	if b.state == StateRunning && b.cancelAll == nil {
		// Start is still connecting; abort it and wait until it gives up.
		b.state = StateStopped
		if b.cancelOpen != nil {
			b.cancelOpen()
		}
		b.mu.Unlock()

		began := time.Now()
		select {
		case <-b.done:
		case <-ctx.Done():
			return StopReport{Drained: true, Took: time.Since(began)}, ctx.Err()
		}
		b.log.Info().Msg("stopped while connecting")
		return StopReport{Drained: true, Took: time.Since(began)}, nil
	}
	if b.state != StateRunning {
		if b.state == StateIdle {
			close(b.done)
		}
		b.state = StateStopped
		b.mu.Unlock()
		return StopReport{Drained: true}, nil
	}
	b.state = StateStopping
	cancelStream, cancelAll := b.cancelStream, b.cancelAll
	b.mu.Unlock()

	began := time.Now()
	lostBefore := b.counters.LostOnShutdown.Load()
	pending := b.fwd.InFlight()

	b.log.Info().
		Int("in_flight", pending).
		Dur("grace", b.cfg.ShutdownGrace).
		Msg("shutdown requested, draining")

	grace, cancel := context.WithTimeout(ctx, b.cfg.ShutdownGrace)
	drainErr := b.fwd.Shutdown(grace)
	cancel()

	cancelStream()
	<-b.done
	cancelAll()

	discarded := uint64(b.stream.Discard())
	b.counters.DiscardedShutdown.Add(discarded)

	report := StopReport{
		Drained:        drainErr == nil,
		LostOnShutdown: b.counters.LostOnShutdown.Load() - lostBefore,
		Discarded:      discarded,
		Took:           time.Since(began),
	}

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()

	ev := b.log.Info()
	if !report.Drained {
		ev = b.log.Warn().Err(drainErr)
	}
	ev.Bool("drained", report.Drained).
		Uint64("lost_on_shutdown", report.LostOnShutdown).
		Uint64("discarded", report.Discarded).
		Dur("took", report.Took).
		Msg("bridge stopped")

	if drainErr != nil && !errors.Is(drainErr, event.ErrShutdownTimeout) {
		return report, fmt.Errorf("bridge: drain: %w", drainErr)
	}
	return report, drainErr
}

// ------------------------------------------------
// QUERIES
// ------------------------------------------------

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Stats() Stats {
	return Stats{
		State:    b.State(),
		Session:  b.stream.Snapshot(),
		InFlight: b.fwd.InFlight(),
		LastSeq:  b.fwd.LastSeq(),
		Counters: b.counters.Snapshot(),
	}
}
