package forwarder

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"streamrelay/domain/event"
	"streamrelay/infra/backoff"
	"streamrelay/infra/broker"
	"streamrelay/infra/metrics"
	"streamrelay/infra/sequence"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ------------------------------------------------
// FAKES
// ------------------------------------------------

type sliceSource struct {
	recs  []event.Record
	i     int
	block bool
	pulls atomic.Int32
}

func (s *sliceSource) Next(ctx context.Context) (event.Record, error) {
	s.pulls.Add(1)
	if s.i < len(s.recs) {
		r := s.recs[s.i]
		s.i++
		return r, nil
	}
	if !s.block {
		return event.Record{}, event.ErrEndOfStream
	}
	<-ctx.Done()
	return event.Record{}, ctx.Err()
}

type endless struct {
	pulls atomic.Int32
}

func (e *endless) Next(ctx context.Context) (event.Record, error) {
	n := e.pulls.Add(1)
	if err := ctx.Err(); err != nil {
		return event.Record{}, err
	}
	return record(int(n)), nil
}

// failing rejects every message whose value matches bad.
type failing struct {
	bad   []byte
	inner *broker.Memory

	mu    sync.Mutex
	calls map[string]int
}

func (f *failing) Publish(ctx context.Context, msg broker.Message) error {
	f.mu.Lock()
	f.calls[string(msg.Value)]++
	f.mu.Unlock()
	if bytes.Equal(msg.Value, f.bad) {
		return errors.New("broker unavailable")
	}
	return f.inner.Publish(ctx, msg)
}

func (f *failing) Close() error { return nil }

func (f *failing) callsFor(v string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[v]
}

// flaky fails the first n publishes.
type flaky struct {
	n     atomic.Int32
	inner *broker.Memory
}

func (f *flaky) Publish(ctx context.Context, msg broker.Message) error {
	if f.n.Add(-1) >= 0 {
		return errors.New("leader not available")
	}
	return f.inner.Publish(ctx, msg)
}

func (f *flaky) Close() error { return nil }

// gate holds every publish until release is closed.
type gate struct {
	release chan struct{}
	calls   atomic.Int32
}

func (g *gate) Publish(ctx context.Context, _ broker.Message) error {
	g.calls.Add(1)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) Close() error { return nil }

type recordingSink struct {
	mu      sync.Mutex
	tickets []*event.Ticket
}

func (s *recordingSink) Report(_ context.Context, t *event.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = append(s.tickets, t)
	return nil
}

func (s *recordingSink) all() []*event.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*event.Ticket(nil), s.tickets...)
}

type memCheckpoint struct {
	mu  sync.Mutex
	ids []string
}

func (c *memCheckpoint) SaveCheckpoint(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, id)
	return nil
}

func record(n int) event.Record {
	id := strconv.Itoa(n)
	return event.Record{ID: id, Type: event.DefaultType, Data: []byte("payload-" + id)}
}

func records(n int) []event.Record {
	out := make([]event.Record, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, record(i))
	}
	return out
}

func fastRetry() backoff.Policy {
	return backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}
}

// ------------------------------------------------
// TESTS
// ------------------------------------------------

func TestForwarder_PreservesOrderAndCount(t *testing.T) {
	mem := broker.NewMemory()
	defer mem.Close()
	counters := &metrics.Counters{}
	cp := &memCheckpoint{}

	f, err := New(mem, Config{Topic: "wiki", MaxInFlight: 8, Retry: fastRetry()},
		WithCounters(counters), WithCheckpointer(cp))
	require.NoError(t, err)

	require.NoError(t, f.Run(context.Background(), &sliceSource{recs: records(200)}))

	got := mem.Messages("wiki")
	require.Len(t, got, 200)
	for i, d := range got {
		assert.Equal(t, "payload-"+strconv.Itoa(i+1), string(d.Value))
		assert.Equal(t, strconv.Itoa(i+1), d.Headers[HeaderEventID])
		assert.Equal(t, "wiki", string(d.Key))
	}
	assert.Equal(t, uint64(200), counters.Published.Load())
	assert.Zero(t, counters.LostRetryExhausted.Load())
	assert.Zero(t, f.InFlight())
	assert.Equal(t, uint64(200), f.LastSeq())

	require.Len(t, cp.ids, 200)
	assert.Equal(t, "200", cp.ids[199])
}

func TestForwarder_TicketsNumberAboveSeed(t *testing.T) {
	mem := broker.NewMemory()
	defer mem.Close()

	f, err := New(mem, Config{Topic: "wiki", Retry: fastRetry()}, WithSequencer(sequence.New(100)))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), f.LastSeq())

	require.NoError(t, f.Run(context.Background(), &sliceSource{recs: records(3)}))
	assert.Equal(t, uint64(103), f.LastSeq())
}

func TestForwarder_RetryExhaustedThenContinues(t *testing.T) {
	mem := broker.NewMemory()
	defer mem.Close()
	pub := &failing{bad: []byte("payload-2"), inner: mem, calls: map[string]int{}}
	counters := &metrics.Counters{}
	sink := &recordingSink{}
	cp := &memCheckpoint{}

	f, err := New(pub, Config{Topic: "wiki", MaxAttempts: 4, Retry: fastRetry()},
		WithCounters(counters), WithErrorSink(sink), WithCheckpointer(cp))
	require.NoError(t, err)

	require.NoError(t, f.Run(context.Background(), &sliceSource{recs: records(3)}))

	assert.Equal(t, 4, pub.callsFor("payload-2"))
	assert.Equal(t, 1, pub.callsFor("payload-3"))

	got := mem.Messages("wiki")
	require.Len(t, got, 2)
	assert.Equal(t, "payload-1", string(got[0].Value))
	assert.Equal(t, "payload-3", string(got[1].Value))

	lost := sink.all()
	require.Len(t, lost, 1)
	assert.Equal(t, "2", lost[0].Record.ID)
	assert.Equal(t, event.LossRetryExhausted, lost[0].Reason)
	assert.Equal(t, uint32(4), lost[0].Attempts)
	assert.EqualError(t, lost[0].Err, "broker unavailable")

	assert.Equal(t, uint64(1), counters.LostRetryExhausted.Load())
	assert.Equal(t, uint64(3), counters.PublishRetries.Load())
	assert.Equal(t, uint64(2), counters.Published.Load())
	assert.Equal(t, []string{"1", "3"}, cp.ids)
}

func TestForwarder_TransientFailureRecovers(t *testing.T) {
	mem := broker.NewMemory()
	defer mem.Close()
	pub := &flaky{inner: mem}
	pub.n.Store(2)
	counters := &metrics.Counters{}

	f, err := New(pub, Config{Topic: "wiki", MaxAttempts: 3, Retry: fastRetry()}, WithCounters(counters))
	require.NoError(t, err)

	require.NoError(t, f.Run(context.Background(), &sliceSource{recs: records(2)}))

	assert.Len(t, mem.Messages("wiki"), 2)
	assert.Equal(t, uint64(2), counters.PublishRetries.Load())
	assert.Zero(t, counters.LostRetryExhausted.Load())
}

func TestForwarder_StopsPullingAtMaxInFlight(t *testing.T) {
	pub := &gate{release: make(chan struct{})}
	src := &endless{}

	f, err := New(pub, Config{Topic: "wiki", MaxInFlight: 3, PublishTimeout: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, src) }()

	require.Eventually(t, func() bool { return f.InFlight() == 3 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return src.pulls.Load() > 3 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, int32(1), pub.calls.Load())

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, f.InFlight())
}

func TestForwarder_ShutdownDrainsWithinGrace(t *testing.T) {
	pub := &gate{release: make(chan struct{})}
	counters := &metrics.Counters{}
	src := &sliceSource{recs: records(4), block: true}

	f, err := New(pub, Config{Topic: "wiki", MaxInFlight: 4, PublishTimeout: time.Minute},
		WithCounters(counters))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), src) }()
	require.Eventually(t, func() bool { return f.InFlight() == 4 }, time.Second, 5*time.Millisecond)

	grace, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	shut := make(chan error, 1)
	go func() { shut <- f.Shutdown(grace) }()

	close(pub.release)
	require.NoError(t, <-shut)
	require.NoError(t, <-done)

	assert.Equal(t, uint64(4), counters.Published.Load())
	assert.Zero(t, counters.LostOnShutdown.Load())
	assert.Zero(t, f.InFlight())
}

func TestForwarder_ShutdownGraceElapsed(t *testing.T) {
	pub := &gate{release: make(chan struct{})}
	counters := &metrics.Counters{}
	sink := &recordingSink{}
	src := &sliceSource{recs: records(4), block: true}

	f, err := New(pub, Config{Topic: "wiki", MaxInFlight: 8, PublishTimeout: time.Minute},
		WithCounters(counters), WithErrorSink(sink))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background(), src) }()
	require.Eventually(t, func() bool { return f.InFlight() == 4 }, time.Second, 5*time.Millisecond)

	grace, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = f.Shutdown(grace)
	require.ErrorIs(t, err, event.ErrShutdownTimeout)
	require.NoError(t, <-done)

	assert.Equal(t, uint64(4), counters.LostOnShutdown.Load())
	assert.Zero(t, counters.Published.Load())
	assert.Zero(t, f.InFlight())

	lost := sink.all()
	require.Len(t, lost, 4)
	for i, tk := range lost {
		assert.Equal(t, event.LossShutdown, tk.Reason)
		assert.Equal(t, strconv.Itoa(i+1), tk.Record.ID)
		assert.True(t, tk.Resolved())
	}
}

func TestForwarder_ShutdownBeforeRun(t *testing.T) {
	f, err := New(broker.NewMemory(), Config{Topic: "wiki"})
	require.NoError(t, err)

	require.NoError(t, f.Shutdown(context.Background()))
	require.NoError(t, f.Run(context.Background(), &sliceSource{block: true}))
}

func TestForwarder_KeyModes(t *testing.T) {
	rec := event.Record{ID: "9", Type: "edit", Data: []byte("x")}

	cases := map[KeyMode]string{
		KeyStatic:    "fixed",
		KeyEventType: "edit",
		KeyNone:      "",
	}
	for mode, want := range cases {
		t.Run(string(mode), func(t *testing.T) {
			f, err := New(broker.NewMemory(), Config{Topic: "wiki", KeyMode: mode, StaticKey: "fixed"})
			require.NoError(t, err)

			msg := f.message(rec)
			assert.Equal(t, want, string(msg.Key))
			assert.Equal(t, "edit", msg.Headers[HeaderEventType])
			assert.Equal(t, "9", msg.Headers[HeaderEventID])
		})
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, Config{Topic: "wiki"})
	assert.Error(t, err)

	_, err = New(broker.NewMemory(), Config{})
	assert.Error(t, err)
}
