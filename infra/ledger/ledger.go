package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"

	"streamrelay/domain/event"
)

var (
	checkpointKey = []byte("checkpoint/last-event-id")
	lostPrefix    = []byte("lost/")
	lostUpper     = []byte("lost/~")
)

// Ledger wraps a pebble database.
type Ledger struct {
	db  *pebble.DB
	now func() time.Time
}

func Open(dir string) (*Ledger, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", dir, err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close flushes and closes the database.
func (l *Ledger) Close() error {
	if err := l.db.Flush(); err != nil {
		_ = l.db.Close()
		return err
	}
	return l.db.Close()
}

// -------------------- Checkpoint --------------------

// SaveCheckpoint stores the last acknowledged event id. It is written
// without fsync: a checkpoint lost in a crash only causes redelivery.
func (l *Ledger) SaveCheckpoint(id string) error {
	if id == "" {
		return nil
	}
	return l.db.Set(checkpointKey, []byte(id), pebble.NoSync)
}

// Checkpoint returns the stored event id, or "" if none was saved.
func (l *Ledger) Checkpoint() (string, error) {
	val, closer, err := l.db.Get(checkpointKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(val), nil
}

// -------------------- Lost records --------------------

// Report stores a failed ticket. It satisfies the forwarder's error sink.
func (l *Ledger) Report(_ context.Context, t *event.Ticket) error {
	rec := LostRecord{
		Seq:         t.Seq,
		Reason:      t.Reason,
		Attempts:    t.Attempts,
		LastAttempt: t.LastAttempt,
		SubmittedAt: t.SubmittedAt,
		Record:      t.Record,
	}
	if rec.LastAttempt.IsZero() {
		rec.LastAttempt = l.now()
	}
	if t.Err != nil {
		rec.Err = t.Err.Error()
	}
	return l.PutLost(rec)
}

// PutLost inserts or replaces a lost record.
func (l *Ledger) PutLost(rec LostRecord) error {
	return l.db.Set(lostKey(rec.Seq), encodeLost(rec), pebble.Sync)
}

// DeleteLost removes a record once it has been redriven.
func (l *Ledger) DeleteLost(seq uint64) error {
	return l.db.Delete(lostKey(seq), pebble.Sync)
}

// ScanLost visits lost records in sequence order.
func (l *Ledger) ScanLost(fn func(LostRecord) error) error {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lostPrefix,
		UpperBound: lostUpper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseLostKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeLost(seq, iter.Value())
		if err != nil {
			return fmt.Errorf("lost record %d: %w", seq, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// LastLostSeq returns the highest stored sequence, 0 when empty.
func (l *Ledger) LastLostSeq() (uint64, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: lostPrefix,
		UpperBound: lostUpper,
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseLostKey(iter.Key())
}

// -------------------- Helpers --------------------

func lostKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("lost/%020d", seq))
}

func parseLostKey(b []byte) (uint64, error) {
	if len(b) <= len(lostPrefix) {
		return 0, fmt.Errorf("ledger: bad key %q", b)
	}
	return strconv.ParseUint(string(b[len(lostPrefix):]), 10, 64)
}
