package config

import (
	"net/http"

	"streamrelay/infra/backoff"
	"streamrelay/infra/sse"
	"streamrelay/jobs/forwarder"
)

// StreamClient maps the source section onto the stream client config.
func (c Config) StreamClient() sse.Config {
	header := make(http.Header, len(c.Source.Headers))
	for k, v := range c.Source.Headers {
		header.Set(k, v)
	}
	return sse.Config{
		URL:              c.Source.URL,
		Header:           header,
		HandshakeTimeout: c.Source.HandshakeTimeout,
		Backoff: backoff.Policy{
			Base:   c.Source.BackoffBase,
			Max:    c.Source.MaxBackoff,
			Jitter: c.Source.Jitter,
		},
		InitialConnectAttempts:  c.Source.InitialConnectAttempts,
		MalformedFrameThreshold: c.Source.MalformedThreshold,
		BufferSize:              c.Source.BufferSize,
		MaxLineBytes:            c.Source.MaxLineBytes,
		Resume:                  c.Source.Resume,
	}
}

// Forwarder maps the forward section onto the forwarder config.
func (c Config) Forwarder() forwarder.Config {
	return forwarder.Config{
		Topic:       c.Kafka.Topic,
		MaxInFlight: c.Forward.MaxInFlight,
		MaxAttempts: c.Forward.PublishAttempts,
		Retry: backoff.Policy{
			Base:   c.Forward.RetryBase,
			Max:    c.Forward.RetryMax,
			Jitter: c.Source.Jitter,
		},
		PublishTimeout: c.Forward.PublishTimeout,
		KeyMode:        forwarder.KeyMode(c.Forward.KeyMode),
		StaticKey:      c.Forward.Key,
	}
}
