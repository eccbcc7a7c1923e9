package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"streamrelay/api/grpcserver"
	"streamrelay/config"
	"streamrelay/domain/event"
	"streamrelay/infra/broker"
	"streamrelay/infra/ledger"
	xlog "streamrelay/infra/log"
	"streamrelay/infra/metrics"
	"streamrelay/infra/sequence"
	"streamrelay/infra/sse"
	"streamrelay/infra/store"
	"streamrelay/jobs/forwarder"
	"streamrelay/jobs/sink"
	"streamrelay/service"
)

func newBridgeCmd() *cobra.Command {
	var withSink bool

	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Run the stream-to-topic bridge until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd.Context(), withSink)
		},
	}
	cmd.Flags().BoolVar(&withSink, "with-sink", false, "also run the sink consumer in this process")
	return cmd
}

func runBridge(parent context.Context, withSink bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := xlog.WithComponent("bridge")
	counters := &metrics.Counters{}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Ledger ----------------

	l, err := ledger.Open(cfg.Ledger.Dir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	lastSeq, err := l.LastLostSeq()
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}

	// ---------------- Broker ----------------

	mem := broker.NewMemory()
	defer mem.Close()

	pub, err := openPublisher(cfg, mem)
	if err != nil {
		return err
	}
	defer pub.Close()

	// ---------------- Pipeline ----------------

	client := sse.New(cfg.StreamClient(),
		sse.WithLogger(xlog.WithComponent("sse")),
		sse.WithCounters(counters),
	)

	fwd, err := forwarder.New(pub, cfg.Forwarder(),
		forwarder.WithLogger(xlog.WithComponent("forwarder")),
		forwarder.WithCounters(counters),
		forwarder.WithErrorSink(l),
		forwarder.WithCheckpointer(l),
		forwarder.WithSequencer(sequence.New(lastSeq)),
	)
	if err != nil {
		return err
	}

	bridge := service.New(client, fwd, service.Config{
		ShutdownGrace: cfg.ShutdownGrace,
		Logger:        logger,
		Counters:      counters,
		Checkpoints:   l,
	})

	// ---------------- Operator surfaces ----------------

	shutdownMetrics, err := serveMetrics(cfg.Admin.MetricsAddr, counters, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
	}()

	admin := grpcserver.NewServer(bridge, xlog.WithComponent("admin"))
	stopAdmin, err := serveAdmin(cfg.Admin.Addr, admin, logger)
	if err != nil {
		return err
	}
	defer stopAdmin()

	// ---------------- Optional in-process sink ----------------

	sinkDone := make(chan error, 1)
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()
	if withSink {
		closeSink, err := startSink(sinkCtx, cfg, mem, counters, sinkDone)
		if err != nil {
			return err
		}
		defer closeSink()
	} else {
		sinkDone <- nil
	}

	// ---------------- Run ----------------

	if err := bridge.Start(ctx); err != nil {
		return err
	}
	admin.SetServing(true)

	var deadline <-chan time.Time
	if cfg.RunFor > 0 {
		t := time.NewTimer(cfg.RunFor)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received")
	case <-deadline:
		logger.Info().Dur("run_for", cfg.RunFor).Msg("run duration reached")
	case <-bridge.Done():
	}
	admin.SetServing(false)

	report, stopErr := bridge.Stop(context.Background())
	runErr := bridge.Wait()

	stopSink()
	if err := <-sinkDone; err != nil {
		logger.Error().Err(err).Msg("sink consumer failed")
	}

	snap := counters.Snapshot()
	logger.Info().
		Interface("counters", snap).
		Bool("drained", report.Drained).
		Msg("final counters")

	if stopErr != nil && !errors.Is(stopErr, event.ErrShutdownTimeout) {
		return stopErr
	}
	return runErr
}

// startSink runs a sink consumer until ctx ends and reports its result on done.
func startSink(ctx context.Context, cfg config.Config, mem *broker.Memory, counters *metrics.Counters, done chan<- error) (func(), error) {
	st, err := store.Open(ctx, cfg.Sink.DSN)
	if err != nil {
		return nil, err
	}
	sub, err := openSubscriber(cfg, mem)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	consumer, err := sink.New(sub, st, sink.Config{Topic: cfg.Kafka.Topic, Group: cfg.Sink.Group},
		sink.WithLogger(xlog.WithComponent("sink")),
		sink.WithCounters(counters),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	go func() { done <- consumer.Run(ctx) }()

	return func() {
		if cfg.Kafka.Driver != config.DriverMemory {
			_ = sub.Close()
		}
		_ = st.Close()
	}, nil
}
