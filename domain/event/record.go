package event

import "time"

// DefaultType is the event type of frames without an "event:" field.
const DefaultType = "message"

// Record is one event read from the source. Data is never interpreted.
type Record struct {
	ID         string
	Type       string
	Data       []byte
	ReceivedAt time.Time
}

// HasID reports whether the source tagged the record with an event id.
func (r Record) HasID() bool {
	return r.ID != ""
}
