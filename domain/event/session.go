package event

import (
	"fmt"
	"strconv"
)

// -------------------- State --------------------

type SessionState uint8

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosed
	StateFailed
	StateStopped
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// allowed lists the legal successors of each state. Stopped is terminal.
var allowed = map[SessionState][]SessionState{
	StateConnecting: {StateOpen, StateFailed},
	StateOpen:       {StateClosed, StateFailed},
	StateClosed:     {StateConnecting, StateStopped},
	StateFailed:     {StateConnecting, StateStopped},
}

// -------------------- Session --------------------

// Session tracks one logical connection to the source across attempts.
// It is owned by a single reader and is not safe for concurrent use.
type Session struct {
	state       SessionState
	lastEventID string
	attempt     uint64
}

// NewSession starts in Connecting at the given attempt, resuming from lastEventID.
func NewSession(attempt uint64, lastEventID string) *Session {
	return &Session{
		state:       StateConnecting,
		lastEventID: lastEventID,
		attempt:     attempt,
	}
}

func (s *Session) State() SessionState { return s.state }
func (s *Session) LastEventID() string  { return s.lastEventID }
func (s *Session) Attempt() uint64      { return s.attempt }

// Transition moves the session to next, refusing any skipped state.
func (s *Session) Transition(next SessionState) error {
	for _, ok := range allowed[s.state] {
		if ok == next {
			s.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, next)
}

// Reconnect moves a Closed or Failed session back to Connecting under a
// new attempt number. Attempt numbers only grow.
func (s *Session) Reconnect(attempt uint64) error {
	if attempt <= s.attempt {
		return fmt.Errorf("%w: attempt %d after %d", ErrInvalidTransition, attempt, s.attempt)
	}
	if err := s.Transition(StateConnecting); err != nil {
		return err
	}
	s.attempt = attempt
	return nil
}

// Observe records id as the last seen event id if it was read under the
// current attempt and does not move the id backwards. It reports whether
// the id was taken.
func (s *Session) Observe(attempt uint64, id string) bool {
	if id == "" || attempt != s.attempt {
		return false
	}
	if IDBefore(id, s.lastEventID) {
		return false
	}
	s.lastEventID = id
	return true
}

// Snapshot is a read-only copy of a session for observers outside the reader.
type Snapshot struct {
	State       SessionState
	LastEventID string
	Attempt     uint64
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:       s.state,
		LastEventID: s.lastEventID,
		Attempt:     s.attempt,
	}
}

// IDBefore reports whether a is strictly older than b. Event ids are
// opaque, so only ids that both parse as unsigned integers are ordered.
func IDBefore(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	x, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return false
	}
	y, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return false
	}
	return x < y
}
