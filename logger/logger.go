// Package logger builds the zerolog loggers used across the module.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/bx-d/peer-rpc/config"
)

// New creates a zerolog logger with the given level and format ("json" or "console"),
// optionally sampling one event out of five.
func New(logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	return NewWithWriter(os.Stdout, logLevel, logFormat, logSampler)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(out io.Writer, logLevel int, logFormat string, logSampler bool) zerolog.Logger {
	writer := out
	if logFormat != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(writer).
		Level(zerolog.Level(logLevel)).
		With().
		Timestamp().
		Logger()

	if logSampler {
		logger = logger.Sample(&zerolog.BasicSampler{N: 5})
	}
	return logger
}

// Init builds the daemon logger from its configuration.
func Init(cfg config.Config) zerolog.Logger {
	return New(cfg.LogLevel, cfg.LogFormat, cfg.LogSampler)
}
