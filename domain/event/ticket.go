package event

import (
	"time"

	"github.com/google/uuid"
)

// -------------------- Outcome --------------------

type Outcome uint8

const (
	OutcomePending Outcome = iota
	OutcomeAcknowledged
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "PENDING"
	case OutcomeAcknowledged:
		return "ACKNOWLEDGED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// -------------------- Ticket --------------------

// Ticket is one in-flight publish of a Record. A ticket is resolved
// exactly once: acknowledged, or failed with a reason.
type Ticket struct {
	ID          uuid.UUID
	Seq         uint64
	Record      Record
	SubmittedAt time.Time

	Attempts    uint32
	LastAttempt time.Time
	Outcome     Outcome
	Reason      LossReason
	Err         error
}

func NewTicket(seq uint64, rec Record, now time.Time) *Ticket {
	return &Ticket{
		ID:          uuid.New(),
		Seq:         seq,
		Record:      rec,
		SubmittedAt: now,
		Outcome:     OutcomePending,
	}
}

// Resolved reports whether the ticket has left Pending.
func (t *Ticket) Resolved() bool {
	return t.Outcome != OutcomePending
}

// Ack resolves the ticket as delivered. Resolving twice is a no-op.
func (t *Ticket) Ack() {
	if t.Resolved() {
		return
	}
	t.Outcome = OutcomeAcknowledged
}

// Fail resolves the ticket as lost for reason, keeping the last error.
func (t *Ticket) Fail(reason LossReason, err error) {
	if t.Resolved() {
		return
	}
	t.Outcome = OutcomeFailed
	t.Reason = reason
	t.Err = err
}
