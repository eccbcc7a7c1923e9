// Package redrive republishes records held in the ledger's lost set.
package redrive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"streamrelay/infra/broker"
	"streamrelay/infra/ledger"
	"streamrelay/jobs/forwarder"
)

// Ledger is the part of the ledger the redriver needs.
type Ledger interface {
	ScanLost(fn func(ledger.LostRecord) error) error
	DeleteLost(seq uint64) error
}

type Config struct {
	Topic          string
	KeyMode        forwarder.KeyMode
	StaticKey      string
	PublishTimeout time.Duration

	// Interval spaces passes in Loop.
	Interval time.Duration
}

// Result summarises one pass.
type Result struct {
	Published int
	Remaining int
}

type Redriver struct {
	cfg    Config
	pub    broker.Publisher
	ledger Ledger
	log    zerolog.Logger
}

func New(pub broker.Publisher, l Ledger, cfg Config, log zerolog.Logger) *Redriver {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	return &Redriver{cfg: cfg, pub: pub, ledger: l, log: log}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Loop runs passes until the ledger is empty or ctx is done.
func (r *Redriver) Loop(ctx context.Context) (Result, error) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	var total Result
	for {
		res, err := r.Once(ctx)
		total.Published += res.Published
		total.Remaining = res.Remaining
		if err != nil || res.Remaining == 0 {
			return total, err
		}

		select {
		case <-ctx.Done():
			return total, nil
		case <-ticker.C:
		}
	}
}

// ------------------------------------------------
// REPLAY
// ------------------------------------------------

// Once publishes lost records in sequence order and deletes each one the
// broker acknowledges. A publish failure ends the pass so later records
// never overtake an earlier one.
func (r *Redriver) Once(ctx context.Context) (Result, error) {
	var res Result
	halted := false

	err := r.ledger.ScanLost(func(rec ledger.LostRecord) error {
		if halted {
			res.Remaining++
			return nil
		}

		msg := forwarder.Message(r.cfg.Topic, r.cfg.KeyMode, r.cfg.StaticKey, rec.Record)
		pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
		err := r.pub.Publish(pctx, msg)
		cancel()

		if err != nil {
			r.log.Warn().
				Err(err).
				Uint64("seq", rec.Seq).
				Str("event_id", rec.Record.ID).
				Msg("redrive publish failed")
			halted = true
			res.Remaining++
			return nil
		}

		if err := r.ledger.DeleteLost(rec.Seq); err != nil {
			return fmt.Errorf("delete lost %d: %w", rec.Seq, err)
		}
		res.Published++
		r.log.Debug().
			Uint64("seq", rec.Seq).
			Str("event_id", rec.Record.ID).
			Str("reason", string(rec.Reason)).
			Msg("record redriven")
		return nil
	})
	return res, err
}
