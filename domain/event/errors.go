package event

import "errors"

var (
	// ErrConnection is returned when the initial connect budget is exhausted.
	ErrConnection = errors.New("event: source unreachable")

	// ErrConnectionLost marks a transport failure on an open session.
	ErrConnectionLost = errors.New("event: connection lost")

	// ErrMalformedFrame marks a frame that could not be parsed.
	ErrMalformedFrame = errors.New("event: malformed frame")

	// ErrEndOfStream is returned by a sequence once it has been stopped and drained.
	ErrEndOfStream = errors.New("event: end of stream")

	// ErrShutdownTimeout is returned when the drain grace period elapsed
	// with tickets still pending.
	ErrShutdownTimeout = errors.New("event: shutdown grace period elapsed")

	// ErrInvalidTransition is returned when a session is asked to skip a state.
	ErrInvalidTransition = errors.New("event: invalid session transition")
)

// LossReason explains why a record was given up on.
type LossReason string

const (
	LossRetryExhausted LossReason = "retry-exhausted"
	LossShutdown       LossReason = "shutdown"
)
