package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"streamrelay/config"
	xlog "streamrelay/infra/log"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "streamrelay",
		Short: "Relay a server-sent event stream into a Kafka topic",
		Long: `streamrelay keeps a long-lived SSE connection to a source, forwards every
event to a broker topic at least once and in order, and resumes from the
last acknowledged event id after reconnects and restarts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (env overrides apply on top)")

	rootCmd.AddCommand(
		newBridgeCmd(),
		newSinkCmd(),
		newStatsCmd(),
		newStopCmd(),
		newRedriveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config and configures the process logger from it.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	xlog.Configure(xlog.Config{Level: cfg.Log.Level, Service: "streamrelay"})
	return cfg, nil
}
