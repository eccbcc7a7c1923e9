package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"streamrelay/api/grpcserver"
	"streamrelay/config"
	"streamrelay/infra/backoff"
	"streamrelay/infra/broker"
	"streamrelay/infra/kafka"
	xlog "streamrelay/infra/log"
	"streamrelay/infra/metrics"
)

// openPublisher returns the publisher for the configured driver. The
// memory driver publishes into mem.
func openPublisher(cfg config.Config, mem *broker.Memory) (broker.Publisher, error) {
	switch cfg.Kafka.Driver {
	case config.DriverSarama:
		p, err := kafka.DialSarama(cfg.Kafka.Brokers, kafka.NewSaramaConfig())
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.DriverKafkaGo:
		return kafka.NewProducer(cfg.Kafka.Brokers), nil
	case config.DriverMemory:
		return mem, nil
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Kafka.Driver)
	}
}

func openSubscriber(cfg config.Config, mem *broker.Memory) (broker.Subscriber, error) {
	if cfg.Kafka.Driver == config.DriverMemory {
		return mem, nil
	}
	c, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: cfg.Kafka.Brokers,
		Logger:  xlog.WithComponent("kafka"),
		Retry: backoff.Policy{
			Base:   cfg.Forward.RetryBase,
			Max:    cfg.Forward.RetryMax,
			Jitter: cfg.Source.Jitter,
		},
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ---------------- Metrics ----------------

// serveMetrics exposes counters on addr. An empty addr disables it and
// returns a no-op shutdown.
func serveMetrics(addr string, counters *metrics.Counters, log zerolog.Logger) (func(context.Context) error, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := counters.Register(reg); err != nil {
		return nil, fmt.Errorf("register counters: %w", err)
	}
	if addr == "" {
		return func(context.Context) error { return nil }, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server exited")
		}
	}()
	log.Info().Str("addr", lis.Addr().String()).Msg("metrics listening")
	return srv.Shutdown, nil
}

// ---------------- Admin ----------------

func serveAdmin(addr string, admin *grpcserver.Server, log zerolog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("admin listen: %w", err)
	}

	g := grpc.NewServer()
	admin.Register(g)
	go func() {
		if err := g.Serve(lis); err != nil {
			log.Error().Err(err).Msg("admin server exited")
		}
	}()
	log.Info().Str("addr", lis.Addr().String()).Msg("admin listening")
	return g.GracefulStop, nil
}
