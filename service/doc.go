// Package service wires the stream client and the forwarder into a
// Bridge and owns its lifecycle: start from the durable checkpoint, run,
// and coordinated shutdown.
package service
