// Package event holds the bridge's domain types: the records read from
// the source feed, the connection session that produced them and the
// publish tickets that carry them to the broker.
//
// Nothing here performs I/O. The state machines are enforced by the
// types themselves so every caller observes the same transitions.
package event
