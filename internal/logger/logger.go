package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"dm-service/internal/config"
)

// New builds the process logger. Development mode writes human-readable console output.
func New(cfg config.Log, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Development {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
