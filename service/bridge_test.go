package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"streamrelay/domain/event"
	"streamrelay/infra/backoff"
	"streamrelay/infra/broker"
	"streamrelay/infra/ledger"
	"streamrelay/infra/metrics"
	"streamrelay/infra/sse"
	"streamrelay/jobs/forwarder"
)

// source serves ids from..to and then holds the connection open.
type source struct {
	mu   sync.Mutex
	from int
	to   int
	seen []string
}

func (s *source) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.seen = append(s.seen, r.Header.Get("Last-Event-ID"))
	from, to := s.from, s.to
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		n, _ := strconv.Atoi(last)
		from = n + 1
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for i := from; i <= to; i++ {
		fmt.Fprintf(w, "id: %d\nevent: edit\ndata: {\"n\":%d}\n\n", i, i)
	}
	w.(http.Flusher).Flush()
	<-r.Context().Done()
}

func (s *source) lastEventIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

type rig struct {
	bridge   *Bridge
	counters *metrics.Counters
	ledger   *ledger.Ledger
}

func newRig(t *testing.T, url string, pub broker.Publisher, l *ledger.Ledger, grace time.Duration) rig {
	t.Helper()
	counters := &metrics.Counters{}

	client := sse.New(sse.Config{
		URL:                    url,
		HandshakeTimeout:       time.Second,
		Backoff:                backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		InitialConnectAttempts: 2,
		BufferSize:             64,
		Resume:                 true,
	},
		sse.WithCounters(counters),
		sse.WithHTTPClient(&http.Client{Transport: &http.Transport{DisableKeepAlives: true}}),
	)

	fwd, err := forwarder.New(pub, forwarder.Config{
		Topic:          "wiki",
		MaxInFlight:    4,
		MaxAttempts:    3,
		Retry:          backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond},
		PublishTimeout: time.Minute,
	},
		forwarder.WithCounters(counters),
		forwarder.WithErrorSink(l),
		forwarder.WithCheckpointer(l),
	)
	require.NoError(t, err)

	return rig{
		bridge: New(client, fwd, Config{
			ShutdownGrace: grace,
			Counters:      counters,
			Checkpoints:   l,
		}),
		counters: counters,
		ledger:   l,
	}
}

func TestBridge_ForwardsInOrderAndResumesAfterRestart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	src := &source{from: 1, to: 20}
	srv := httptest.NewServer(src)
	defer srv.Close()

	l, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	mem := broker.NewMemory()
	defer mem.Close()

	r := newRig(t, srv.URL, mem, l, time.Second)
	require.NoError(t, r.bridge.Start(context.Background()))
	assert.Equal(t, StateRunning, r.bridge.State())

	require.Eventually(t, func() bool { return len(mem.Messages("wiki")) == 20 }, 2*time.Second, 10*time.Millisecond)

	report, err := r.bridge.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Zero(t, report.LostOnShutdown)
	require.NoError(t, r.bridge.Wait())
	assert.Equal(t, StateStopped, r.bridge.State())

	stats := r.bridge.Stats()
	assert.Equal(t, uint64(20), stats.Counters.Received)
	assert.Equal(t, uint64(20), stats.Counters.Published)
	assert.Equal(t, uint64(20), stats.LastSeq)
	assert.Equal(t, event.StateStopped, stats.Session.State)

	for i, d := range mem.Messages("wiki") {
		assert.Equal(t, strconv.Itoa(i+1), d.Headers[forwarder.HeaderEventID])
	}

	id, err := l.Checkpoint()
	require.NoError(t, err)
	assert.Equal(t, "20", id)

	// a second process picks up where the first one stopped
	src.mu.Lock()
	src.to = 25
	src.mu.Unlock()

	r2 := newRig(t, srv.URL, mem, l, time.Second)
	require.NoError(t, r2.bridge.Start(context.Background()))
	require.Eventually(t, func() bool { return len(mem.Messages("wiki")) == 25 }, 2*time.Second, 10*time.Millisecond)
	_, err = r2.bridge.Stop(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"", "20"}, src.lastEventIDs())
	got := mem.Messages("wiki")
	assert.Equal(t, "21", got[20].Headers[forwarder.HeaderEventID])
}

// stuck never acknowledges.
type stuck struct{}

func (stuck) Publish(ctx context.Context, _ broker.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stuck) Close() error { return nil }

func TestBridge_StopAfterGraceLosesPendingAsShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := httptest.NewServer(&source{from: 1, to: 10})
	defer srv.Close()

	l, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	r := newRig(t, srv.URL, stuck{}, l, 50*time.Millisecond)
	require.NoError(t, r.bridge.Start(context.Background()))

	require.Eventually(t, func() bool {
		return r.bridge.Stats().InFlight == 4 && r.counters.Received.Load() == 10
	}, 2*time.Second, 10*time.Millisecond)

	report, err := r.bridge.Stop(context.Background())
	require.ErrorIs(t, err, event.ErrShutdownTimeout)
	assert.False(t, report.Drained)
	assert.Equal(t, uint64(4), report.LostOnShutdown)
	assert.Equal(t, uint64(6), report.Discarded)
	assert.Equal(t, uint64(6), r.counters.DiscardedShutdown.Load())

	var lost []ledger.LostRecord
	require.NoError(t, l.ScanLost(func(rec ledger.LostRecord) error {
		lost = append(lost, rec)
		return nil
	}))
	require.Len(t, lost, 4)
	for i, rec := range lost {
		assert.Equal(t, event.LossShutdown, rec.Reason)
		assert.Equal(t, strconv.Itoa(i+1), rec.Record.ID)
	}

	again, err := r.bridge.Stop(context.Background())
	assert.ErrorIs(t, err, event.ErrShutdownTimeout)
	assert.Equal(t, report, again)
}

func TestBridge_StartFailsWhenSourceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	r := newRig(t, srv.URL, broker.NewMemory(), l, time.Second)
	err = r.bridge.Start(context.Background())
	require.ErrorIs(t, err, event.ErrConnection)
	assert.Equal(t, StateStopped, r.bridge.State())
	assert.NoError(t, r.bridge.Wait())

	report, err := r.bridge.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Drained)
}

func TestBridge_StopBeforeStart(t *testing.T) {
	l, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	r := newRig(t, "http://127.0.0.1:1/", broker.NewMemory(), l, time.Second)
	_, err = r.bridge.Stop(context.Background())
	require.NoError(t, err)
	assert.NoError(t, r.bridge.Wait())
	assert.Error(t, r.bridge.Start(context.Background()))
}

func TestBridge_StopDuringConnectAbortsStart(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hit := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	l, err := ledger.Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	r := newRig(t, srv.URL, broker.NewMemory(), l, time.Second)
	started := make(chan error, 1)
	go func() { started <- r.bridge.Start(context.Background()) }()

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("source never contacted")
	}

	began := time.Now()
	report, err := r.bridge.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Less(t, time.Since(began), 500*time.Millisecond)

	select {
	case err := <-started:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start still connecting after Stop")
	}
	assert.Equal(t, StateStopped, r.bridge.State())
	assert.NoError(t, r.bridge.Wait())
}
