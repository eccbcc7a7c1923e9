package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"streamrelay/config"
	xlog "streamrelay/infra/log"
	"streamrelay/infra/metrics"
)

func newSinkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sink",
		Short: "Consume the topic under the configured group and persist every record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Kafka.Driver == config.DriverMemory {
				return errors.New("sink: the memory driver only works in-process, use bridge --with-sink")
			}

			logger := xlog.WithComponent("sink")
			counters := &metrics.Counters{}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownMetrics, err := serveMetrics(cfg.Admin.MetricsAddr, counters, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownMetrics(sctx)
			}()

			done := make(chan error, 1)
			closeSink, err := startSink(ctx, cfg, nil, counters, done)
			if err != nil {
				return err
			}
			defer closeSink()

			err = <-done
			logger.Info().
				Uint64("persisted", counters.Persisted.Load()).
				Uint64("duplicates", counters.Duplicates.Load()).
				Msg("sink finished")
			return err
		},
	}
}
