// Package sse is the stream client: it holds one long-lived HTTP
// connection to a server-sent-events feed, parses the wire framing and
// exposes the events as a pull sequence (Client.Next).
//
// The read loop owns the connection and the session. It never blocks on
// its consumer: events go into a bounded buffer, and when the buffer is
// full they are shed and counted. On disconnect, or after too many
// consecutive malformed frames, it reconnects with capped exponential
// backoff and jitter, sending Last-Event-ID when the source can resume.
package sse
