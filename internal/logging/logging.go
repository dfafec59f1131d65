// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the handful of levels the broker's configuration exposes.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the writer zerolog renders through.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config controls level and output shape.
type Config struct {
	Level   Level
	Format  Format
	Service string
}

// New builds a zerolog.Logger per Config. Production deployments use JSON
// (Loki/any log shipper), local development uses the console writer.
func New(cfg Config) zerolog.Logger {
	var out io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "scmaster"
	}

	return zerolog.New(out).With().
		Timestamp().
		Str("service", service).
		Logger()
}
