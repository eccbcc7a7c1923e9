// Package sequence issues process-local sequence numbers.
package sequence

import "sync/atomic"

// Sequencer issues strictly increasing numbers above a floor. The
// forwarder numbers tickets with one and the stream client numbers
// connection attempts with another.
type Sequencer struct {
	last atomic.Uint64
}

// New returns a sequencer whose first number is floor+1. The bridge
// passes the ledger's highest lost-record seq so ledger keys stay unique
// across restarts.
func New(floor uint64) *Sequencer {
	s := new(Sequencer)
	s.last.Store(floor)
	return s
}

// Next issues a number.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Last is the most recently issued number, or the floor before any.
func (s *Sequencer) Last() uint64 {
	return s.last.Load()
}
