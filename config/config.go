// Package config loads the relay configuration: defaults, then an
// optional YAML file, then environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverSarama  = "sarama"
	DriverKafkaGo = "kafka-go"
	DriverMemory  = "memory"
)

type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Forward ForwardConfig `yaml:"forward"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Sink    SinkConfig    `yaml:"sink"`
	Admin   AdminConfig   `yaml:"admin"`
	Log     LogConfig     `yaml:"log"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// RunFor stops the bridge after a fixed duration. Zero runs until
	// signalled. Only tests and demos set it.
	RunFor time.Duration `yaml:"run_for"`
}

type SourceConfig struct {
	URL                    string            `yaml:"url"`
	Headers                map[string]string `yaml:"headers"`
	HandshakeTimeout       time.Duration     `yaml:"handshake_timeout"`
	BackoffBase            time.Duration     `yaml:"backoff_base"`
	MaxBackoff             time.Duration     `yaml:"max_backoff"`
	Jitter                 float64           `yaml:"jitter"`
	MalformedThreshold     int               `yaml:"malformed_threshold"`
	InitialConnectAttempts int               `yaml:"initial_connect_attempts"`
	BufferSize             int               `yaml:"buffer_size"`
	MaxLineBytes           int               `yaml:"max_line_bytes"`
	Resume                 bool              `yaml:"resume"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Driver  string   `yaml:"driver"`
}

type ForwardConfig struct {
	MaxInFlight     int           `yaml:"max_in_flight"`
	PublishAttempts int           `yaml:"publish_attempts"`
	RetryBase       time.Duration `yaml:"retry_base"`
	RetryMax        time.Duration `yaml:"retry_max"`
	PublishTimeout  time.Duration `yaml:"publish_timeout"`
	KeyMode         string        `yaml:"key_mode"`
	Key             string        `yaml:"key"`
}

type LedgerConfig struct {
	Dir string `yaml:"dir"`
}

type SinkConfig struct {
	DSN   string `yaml:"dsn"`
	Group string `yaml:"group"`
}

type AdminConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		Source: SourceConfig{
			URL:                    "https://stream.wikimedia.org/v2/stream/recentchange",
			HandshakeTimeout:       10 * time.Second,
			BackoffBase:            time.Second,
			MaxBackoff:             30 * time.Second,
			Jitter:                 0.2,
			MalformedThreshold:     10,
			InitialConnectAttempts: 5,
			BufferSize:             1024,
			MaxLineBytes:           1 << 20,
			Resume:                 true,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "wikimedia_recentchange",
			Driver:  DriverSarama,
		},
		Forward: ForwardConfig{
			MaxInFlight:     64,
			PublishAttempts: 5,
			RetryBase:       100 * time.Millisecond,
			RetryMax:        5 * time.Second,
			PublishTimeout:  10 * time.Second,
			KeyMode:         "static",
		},
		Ledger: LedgerConfig{Dir: "./relay_ledger"},
		Sink: SinkConfig{
			DSN:   "./relay_sink.db",
			Group: "myGroup",
		},
		Admin: AdminConfig{
			Addr:        "127.0.0.1:7070",
			MetricsAddr: "127.0.0.1:9102",
		},
		Log:           LogConfig{Level: "info"},
		ShutdownGrace: 15 * time.Second,
	}
}

// Load reads path (when non-empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- the path comes from the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return c.decode(data)
}

// decode overlays YAML onto c. Unknown keys are rejected.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

// Validate rejects settings the bridge cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Source.URL == "" {
		errs = append(errs, errors.New("source.url is required"))
	} else if !strings.HasPrefix(c.Source.URL, "http://") && !strings.HasPrefix(c.Source.URL, "https://") {
		errs = append(errs, fmt.Errorf("source.url %q must be http or https", c.Source.URL))
	}
	if c.Source.Jitter < 0 || c.Source.Jitter > 1 {
		errs = append(errs, fmt.Errorf("source.jitter %.2f must be within [0,1]", c.Source.Jitter))
	}
	if c.Source.BackoffBase <= 0 || c.Source.MaxBackoff < c.Source.BackoffBase {
		errs = append(errs, errors.New("source.backoff_base must be positive and not above max_backoff"))
	}
	if c.Source.InitialConnectAttempts < 1 {
		errs = append(errs, errors.New("source.initial_connect_attempts must be at least 1"))
	}
	if c.Source.BufferSize < 1 {
		errs = append(errs, errors.New("source.buffer_size must be at least 1"))
	}
	if c.Source.MalformedThreshold < 0 {
		errs = append(errs, errors.New("source.malformed_threshold must not be negative"))
	}

	if c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required"))
	}
	switch c.Kafka.Driver {
	case DriverSarama, DriverKafkaGo:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, fmt.Errorf("kafka.brokers is required for driver %s", c.Kafka.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("kafka.driver %q is not one of sarama, kafka-go, memory", c.Kafka.Driver))
	}

	if c.Forward.MaxInFlight < 1 {
		errs = append(errs, errors.New("forward.max_in_flight must be at least 1"))
	}
	if c.Forward.PublishAttempts < 1 {
		errs = append(errs, errors.New("forward.publish_attempts must be at least 1"))
	}
	if c.Forward.PublishTimeout <= 0 {
		errs = append(errs, errors.New("forward.publish_timeout must be positive"))
	}
	switch c.Forward.KeyMode {
	case "static", "event_type", "none":
	default:
		errs = append(errs, fmt.Errorf("forward.key_mode %q is not one of static, event_type, none", c.Forward.KeyMode))
	}

	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("shutdown_grace must not be negative"))
	}
	if c.RunFor < 0 {
		errs = append(errs, errors.New("run_for must not be negative"))
	}

	return errors.Join(errs...)
}
