package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"streamrelay/infra/log"
)

// Environment variables that override file settings.
const (
	EnvSourceURL    = "RELAY_SOURCE_URL"
	EnvKafkaBrokers = "RELAY_KAFKA_BROKERS"
	EnvTopic        = "RELAY_TOPIC"
	EnvDriver       = "RELAY_BROKER_DRIVER"
	EnvLedgerDir    = "RELAY_LEDGER_DIR"
	EnvSinkDSN      = "RELAY_SINK_DSN"
	EnvSinkGroup    = "RELAY_SINK_GROUP"
	EnvAdminAddr    = "RELAY_ADMIN_ADDR"
	EnvMetricsAddr  = "RELAY_METRICS_ADDR"
	EnvLogLevel     = "LOG_LEVEL"
)

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	logger := log.WithComponent("config")

	str := func(key string, dst *string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		logEnv(logger, key, v)
		*dst = v
	}

	str(EnvSourceURL, &c.Source.URL)
	str(EnvTopic, &c.Kafka.Topic)
	str(EnvDriver, &c.Kafka.Driver)
	str(EnvLedgerDir, &c.Ledger.Dir)
	str(EnvSinkDSN, &c.Sink.DSN)
	str(EnvSinkGroup, &c.Sink.Group)
	str(EnvAdminAddr, &c.Admin.Addr)
	str(EnvMetricsAddr, &c.Admin.MetricsAddr)
	str(EnvLogLevel, &c.Log.Level)

	if v, ok := lookup(EnvKafkaBrokers); ok && v != "" {
		brokers := splitList(v)
		if len(brokers) == 0 {
			return fmt.Errorf("%s: no brokers in %q", EnvKafkaBrokers, v)
		}
		logEnv(logger, EnvKafkaBrokers, v)
		c.Kafka.Brokers = brokers
	}
	return nil
}

func logEnv(logger zerolog.Logger, key, value string) {
	logger.Debug().
		Str("key", key).
		Str("value", value).
		Str("source", "environment").
		Msg("using environment variable")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
