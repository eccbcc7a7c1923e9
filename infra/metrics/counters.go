// Package metrics holds the bridge's operator counters and exports them
// to Prometheus.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters is shared by the stream client, forwarder and sink consumer.
// All fields only ever grow.
type Counters struct {
	Received           atomic.Uint64
	Published          atomic.Uint64
	PublishRetries     atomic.Uint64
	LostRetryExhausted atomic.Uint64
	LostOnShutdown     atomic.Uint64
	MalformedSkipped   atomic.Uint64
	Reconnects         atomic.Uint64
	DroppedOverflow    atomic.Uint64
	Gaps               atomic.Uint64
	DiscardedShutdown  atomic.Uint64

	Persisted  atomic.Uint64
	Duplicates atomic.Uint64
}

// Snapshot is a point-in-time copy of Counters.
type Snapshot struct {
	Received           uint64 `json:"events_received"`
	Published          uint64 `json:"events_published"`
	PublishRetries     uint64 `json:"publish_retries"`
	LostRetryExhausted uint64 `json:"lost_retry_exhausted"`
	LostOnShutdown     uint64 `json:"lost_on_shutdown"`
	MalformedSkipped   uint64 `json:"malformed_frames_skipped"`
	Reconnects         uint64 `json:"reconnects"`
	DroppedOverflow    uint64 `json:"dropped_on_overflow"`
	Gaps               uint64 `json:"gaps"`
	DiscardedShutdown  uint64 `json:"discarded_on_shutdown"`
	Persisted          uint64 `json:"sink_persisted"`
	Duplicates         uint64 `json:"sink_duplicates"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Received:           c.Received.Load(),
		Published:          c.Published.Load(),
		PublishRetries:     c.PublishRetries.Load(),
		LostRetryExhausted: c.LostRetryExhausted.Load(),
		LostOnShutdown:     c.LostOnShutdown.Load(),
		MalformedSkipped:   c.MalformedSkipped.Load(),
		Reconnects:         c.Reconnects.Load(),
		DroppedOverflow:    c.DroppedOverflow.Load(),
		Gaps:               c.Gaps.Load(),
		DiscardedShutdown:  c.DiscardedShutdown.Load(),
		Persisted:          c.Persisted.Load(),
		Duplicates:         c.Duplicates.Load(),
	}
}

// Map flattens the snapshot keyed by its JSON names.
func (s Snapshot) Map() map[string]uint64 {
	return map[string]uint64{
		"events_received":          s.Received,
		"events_published":         s.Published,
		"publish_retries":          s.PublishRetries,
		"lost_retry_exhausted":     s.LostRetryExhausted,
		"lost_on_shutdown":         s.LostOnShutdown,
		"malformed_frames_skipped": s.MalformedSkipped,
		"reconnects":               s.Reconnects,
		"dropped_on_overflow":      s.DroppedOverflow,
		"gaps":                     s.Gaps,
		"discarded_on_shutdown":    s.DiscardedShutdown,
		"sink_persisted":           s.Persisted,
		"sink_duplicates":          s.Duplicates,
	}
}

// Collectors returns one counter func per field, named streamrelay_<name>_total.
func (c *Counters) Collectors() []prometheus.Collector {
	def := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"events_received", "Events parsed from the source feed.", &c.Received},
		{"events_published", "Events acknowledged by the broker.", &c.Published},
		{"publish_retries", "Publish attempts retried after a failure.", &c.PublishRetries},
		{"lost_retry_exhausted", "Records given up after the publish attempt limit.", &c.LostRetryExhausted},
		{"lost_on_shutdown", "Records still pending when the shutdown grace period elapsed.", &c.LostOnShutdown},
		{"malformed_frames_skipped", "SSE frames skipped as malformed.", &c.MalformedSkipped},
		{"reconnects", "Source sessions re-established after a loss.", &c.Reconnects},
		{"dropped_on_overflow", "Events shed because the client buffer was full.", &c.DroppedOverflow},
		{"gaps", "Reconnects where the source could not resume.", &c.Gaps},
		{"discarded_on_shutdown", "Buffered events never ticketed before shutdown.", &c.DiscardedShutdown},
		{"sink_persisted", "Records written by the sink consumer.", &c.Persisted},
		{"sink_duplicates", "Duplicate records absorbed by the sink store.", &c.Duplicates},
	}

	out := make([]prometheus.Collector, 0, len(def))
	for _, d := range def {
		v := d.v
		out = append(out, prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "streamrelay",
			Name:      d.name + "_total",
			Help:      d.help,
		}, func() float64 { return float64(v.Load()) }))
	}
	return out
}

// Register adds every counter to reg.
func (c *Counters) Register(reg prometheus.Registerer) error {
	for _, col := range c.Collectors() {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}
