// Package log configures the process zerolog logger and hands out
// component loggers.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the base logger.
type Config struct {
	Level   string    // "debug", "info", ...; falls back to LOG_LEVEL
	Output  io.Writer // defaults to os.Stdout
	Service string    // attached to every entry
}

var (
	mu         sync.RWMutex
	base       zerolog.Logger
	configured bool
)

// Configure replaces the base logger. Component loggers handed out
// before the call keep their old settings.
func Configure(cfg Config) {
	l := New(cfg)
	mu.Lock()
	base, configured = l, true
	mu.Unlock()
}

// New builds a logger from cfg without touching the process-wide one.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	lvl := cfg.Level
	if lvl == "" {
		lvl = os.Getenv("LOG_LEVEL")
	}
	if lvl != "" {
		if parsed, err := zerolog.ParseLevel(lvl); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	service := cfg.Service
	if service == "" {
		service = "streamrelay"
	}

	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Base returns the configured base logger, building a default one from
// LOG_LEVEL if Configure was never called.
func Base() zerolog.Logger {
	mu.RLock()
	l, ok := base, configured
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if !configured {
		base, configured = New(Config{}), true
	}
	return base
}

// WithComponent returns a child logger annotated with the component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str("component", component).Logger()
}
