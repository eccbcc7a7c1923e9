package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"streamrelay/infra/broker"
	"streamrelay/infra/ledger"
	xlog "streamrelay/infra/log"
	"streamrelay/jobs/forwarder"
	"streamrelay/jobs/redrive"
)

func newRedriveCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "redrive",
		Short: "Republish records the bridge gave up on",
		Long: `redrive publishes every record held in the ledger's lost set, in the order
they were received, and deletes each one once the broker acknowledged it.
Run it while the bridge is stopped; the ledger allows one process at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := xlog.WithComponent("redrive")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			l, err := ledger.Open(cfg.Ledger.Dir)
			if err != nil {
				return fmt.Errorf("open ledger: %w", err)
			}
			defer l.Close()

			mem := broker.NewMemory()
			defer mem.Close()
			pub, err := openPublisher(cfg, mem)
			if err != nil {
				return err
			}
			defer pub.Close()

			r := redrive.New(pub, l, redrive.Config{
				Topic:          cfg.Kafka.Topic,
				KeyMode:        forwarder.KeyMode(cfg.Forward.KeyMode),
				StaticKey:      cfg.Forward.Key,
				PublishTimeout: cfg.Forward.PublishTimeout,
				Interval:       cfg.Forward.RetryMax,
			}, logger)

			var res redrive.Result
			if once {
				res, err = r.Once(ctx)
			} else {
				res, err = r.Loop(ctx)
			}

			logger.Info().
				Int("published", res.Published).
				Int("remaining", res.Remaining).
				Msg("redrive finished")
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "make a single pass instead of retrying until the ledger is empty")
	return cmd
}
