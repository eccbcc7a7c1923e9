// Package ledger is the bridge's durable side store, kept in pebble.
//
// It holds two things: the id of the last event the broker acknowledged,
// used to resume the source feed after a restart, and every record the
// forwarder gave up on, keyed by ticket sequence, until an operator
// redrives it.
package ledger
