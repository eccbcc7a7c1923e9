package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"streamrelay/domain/event"
	"streamrelay/infra/backoff"
	"streamrelay/infra/metrics"
	"streamrelay/infra/sequence"
)

// Config is the reconnect and buffering policy of a Client.
type Config struct {
	URL    string
	Header http.Header

	// HandshakeTimeout bounds the wait for response headers.
	HandshakeTimeout time.Duration

	// Backoff spaces reconnect attempts. Backoff.Max is the longest wait.
	Backoff backoff.Policy

	// InitialConnectAttempts is the budget for Open.
	InitialConnectAttempts int

	// MalformedFrameThreshold is how many consecutive malformed frames are
	// tolerated before the connection is torn down. Zero disables it.
	MalformedFrameThreshold int

	// BufferSize bounds events read but not yet taken by Next.
	BufferSize int

	// MaxLineBytes bounds a single line on the wire.
	MaxLineBytes int

	// Resume declares that the source honours Last-Event-ID.
	Resume bool
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.InitialConnectAttempts <= 0 {
		c.InitialConnectAttempts = 1
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 1 << 20
	}
}

// Option customises a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithCounters(m *metrics.Counters) Option {
	return func(c *Client) { c.counters = m }
}

// Client reads one SSE feed. Open, then Run on one goroutine and Next on
// another.
type Client struct {
	cfg      Config
	http     *http.Client
	log      zerolog.Logger
	counters *metrics.Counters
	attempts *sequence.Sequencer
	now      func() time.Time

	out     chan event.Record
	started atomic.Bool

	mu        sync.Mutex
	session   *event.Session
	body      io.ReadCloser
	cancel    context.CancelFunc
	retryHint time.Duration
}

func New(cfg Config, opts ...Option) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		log:      zerolog.Nop(),
		counters: &metrics.Counters{},
		attempts: sequence.New(0),
		now:      time.Now,
		out:      make(chan event.Record, cfg.BufferSize),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ------------------------------------------------
// OPEN
// ------------------------------------------------

// Open connects to the source, resuming from lastEventID when given. It
// retries up to InitialConnectAttempts times and then fails with
// event.ErrConnection. The connection lives until Run's context ends,
// so ctx should be the context later passed to Run.
func (c *Client) Open(ctx context.Context, lastEventID string) (event.Snapshot, error) {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return event.Snapshot{}, errors.New("sse: client already opened")
	}
	c.session = event.NewSession(c.attempts.Next(), lastEventID)
	c.mu.Unlock()

	var lastErr error
	for n := 1; ; n++ {
		body, cancel, err := c.connect(ctx, lastEventID)
		if err == nil {
			c.setConn(body, cancel)
			c.transition(event.StateOpen)
			snap := c.Snapshot()
			c.log.Info().
				Str("url", c.cfg.URL).
				Str("last_event_id", lastEventID).
				Uint64("attempt", snap.Attempt).
				Msg("stream open")
			return snap, nil
		}

		lastErr = err
		c.transition(event.StateFailed)
		c.log.Warn().Err(err).Int("try", n).Int("budget", c.cfg.InitialConnectAttempts).Msg("connect failed")

		if n >= c.cfg.InitialConnectAttempts || ctx.Err() != nil {
			break
		}
		if c.cfg.Backoff.Wait(ctx, n) != nil {
			break
		}
		c.reconnectSession()
	}

	c.transition(event.StateStopped)
	close(c.out)
	return c.Snapshot(), fmt.Errorf("%w: %s: %v", event.ErrConnection, c.cfg.URL, lastErr)
}

// connect performs one handshake. The returned body stays readable until
// cancel is called or ctx ends.
func (c *Client) connect(ctx context.Context, lastEventID string) (io.ReadCloser, context.CancelFunc, error) {
	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	for k, vs := range c.cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.Resume && lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	timer := time.AfterFunc(c.cfg.HandshakeTimeout, cancel)
	resp, err := c.http.Do(req)
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		cancel()
		return nil, nil, fmt.Errorf("handshake timed out after %s", c.cfg.HandshakeTimeout)
	}
	if err != nil {
		cancel()
		return nil, nil, err
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("unexpected content type %q", mt)
	}
	return resp.Body, cancel, nil
}

// ------------------------------------------------
// READ LOOP
// ------------------------------------------------

// Run is the read loop. It returns nil once ctx is done, after which
// Next drains the buffer and then reports event.ErrEndOfStream.
func (c *Client) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("sse: Run called twice")
	}
	c.mu.Lock()
	opened := c.body != nil
	c.mu.Unlock()
	if !opened {
		return errors.New("sse: Run before Open")
	}

	defer close(c.out)
	stop := context.AfterFunc(ctx, c.closeConn)
	defer stop()

	// failures counts reconnects since a connection last delivered an
	// event, so a source that keeps failing backs off further each time.
	failures := 0
	for {
		delivered, err := c.readConn(ctx)
		c.closeConn()
		if delivered {
			failures = 0
		}

		if ctx.Err() != nil {
			c.transition(event.StateClosed)
			c.transition(event.StateStopped)
			c.log.Info().Msg("stream stopped")
			return nil
		}

		if errors.Is(err, io.EOF) {
			c.transition(event.StateClosed)
			c.log.Info().Msg("source ended stream, reconnecting")
		} else {
			c.transition(event.StateFailed)
			c.log.Warn().Err(err).Msg("connection lost, reconnecting")
		}

		failures, err = c.reconnect(ctx, failures)
		if err != nil {
			c.transition(event.StateStopped)
			c.log.Info().Msg("stream stopped")
			return nil
		}
	}
}

// readConn reads frames until the connection ends. It reports whether
// any event was read.
func (c *Client) readConn(ctx context.Context) (bool, error) {
	c.mu.Lock()
	body := c.body
	attempt := c.session.Attempt()
	c.mu.Unlock()
	if body == nil {
		return false, fmt.Errorf("%w: connection already closed", event.ErrConnectionLost)
	}

	r := newFrameReader(body, c.cfg.MaxLineBytes)
	malformedLog := c.log.Sample(&zerolog.BasicSampler{N: 20})
	overflowLog := c.log.Sample(&zerolog.BasicSampler{N: 100})
	consecutive := 0
	delivered := false

	for {
		f, err := r.next()
		if err != nil {
			return delivered, err
		}
		if f.retry > 0 {
			c.mu.Lock()
			c.retryHint = f.retry
			c.mu.Unlock()
		}

		if f.malformed != nil {
			c.counters.MalformedSkipped.Add(1)
			consecutive++
			malformedLog.Debug().Err(f.malformed).Int("consecutive", consecutive).Msg("malformed frame skipped")
			if t := c.cfg.MalformedFrameThreshold; t > 0 && consecutive > t {
				return delivered, fmt.Errorf("%w: %d consecutive", event.ErrMalformedFrame, consecutive)
			}
			continue
		}
		consecutive = 0

		if !f.isEvent() {
			if f.idSet {
				c.mu.Lock()
				c.session.Observe(attempt, f.id)
				c.mu.Unlock()
			}
			continue
		}
		delivered = true

		rec := event.Record{
			ID:         f.id,
			Type:       f.typ,
			Data:       f.data,
			ReceivedAt: c.now(),
		}
		if rec.Type == "" {
			rec.Type = event.DefaultType
		}

		c.mu.Lock()
		c.session.Observe(attempt, rec.ID)
		c.mu.Unlock()
		c.counters.Received.Add(1)

		select {
		case c.out <- rec:
		case <-ctx.Done():
			return delivered, ctx.Err()
		default:
			n := c.counters.DroppedOverflow.Add(1)
			overflowLog.Warn().Str("event_id", rec.ID).Uint64("dropped_total", n).Msg("buffer full, event shed")
		}
	}
}

// reconnect waits out the backoff and connects again until it succeeds
// or ctx ends. The first wait is for attempt failures+1; it returns the
// attempt that connected.
func (c *Client) reconnect(ctx context.Context, failures int) (int, error) {
	for n := failures + 1; ; n++ {
		if err := backoff.Sleep(ctx, c.reconnectDelay(n)); err != nil {
			return n, err
		}

		snap := c.reconnectSession()
		body, cancel, err := c.connect(ctx, snap.LastEventID)
		if err != nil {
			c.transition(event.StateFailed)
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			c.log.Warn().Err(err).Int("try", n).Msg("reconnect failed")
			continue
		}

		c.setConn(body, cancel)
		c.transition(event.StateOpen)
		c.counters.Reconnects.Add(1)

		if !c.cfg.Resume {
			c.counters.Gaps.Add(1)
			c.log.Warn().
				Uint64("attempt", snap.Attempt).
				Msg("stream reopened without resume, events sent during the outage are missed")
			return n, nil
		}
		c.log.Info().
			Str("last_event_id", snap.LastEventID).
			Uint64("attempt", snap.Attempt).
			Msg("stream reopened")
		return n, nil
	}
}

func (c *Client) reconnectDelay(n int) time.Duration {
	p := c.cfg.Backoff
	c.mu.Lock()
	if c.retryHint > 0 {
		p.Base = c.retryHint
	}
	c.mu.Unlock()
	return p.Delay(n)
}

// ------------------------------------------------
// SEQUENCE
// ------------------------------------------------

// Next returns the next buffered event, blocking until one arrives. It
// returns event.ErrEndOfStream once the client stopped and the buffer
// is empty, or ctx.Err() if ctx ends first.
func (c *Client) Next(ctx context.Context) (event.Record, error) {
	select {
	case rec, ok := <-c.out:
		if !ok {
			return event.Record{}, event.ErrEndOfStream
		}
		return rec, nil
	case <-ctx.Done():
		return event.Record{}, ctx.Err()
	}
}

// Buffered is the number of events waiting for Next.
func (c *Client) Buffered() int {
	return len(c.out)
}

// Discard empties the buffer of a stopped client and returns how many
// events it held. It must only be called after Run returned.
func (c *Client) Discard() int {
	n := 0
	for range c.out {
		n++
	}
	return n
}

// Snapshot returns the current session state.
func (c *Client) Snapshot() event.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return event.Snapshot{}
	}
	return c.session.Snapshot()
}

// ------------------------------------------------
// HELPERS
// ------------------------------------------------

func (c *Client) transition(to event.SessionState) {
	c.mu.Lock()
	err := c.session.Transition(to)
	c.mu.Unlock()
	if err != nil {
		c.log.Error().Err(err).Msg("session transition rejected")
	}
}

func (c *Client) reconnectSession() event.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.session.Reconnect(c.attempts.Next()); err != nil {
		c.log.Error().Err(err).Msg("session reconnect rejected")
	}
	return c.session.Snapshot()
}

func (c *Client) setConn(body io.ReadCloser, cancel context.CancelFunc) {
	c.mu.Lock()
	c.body, c.cancel = body, cancel
	c.mu.Unlock()
}

func (c *Client) closeConn() {
	c.mu.Lock()
	body, cancel := c.body, c.cancel
	c.body, c.cancel = nil, nil
	c.mu.Unlock()

	if body != nil {
		_ = body.Close()
	}
	if cancel != nil {
		cancel()
	}
}
