// Package logging builds the structured logger shared by the chat binaries.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dpolygon/climessaging/internal/config"
)

// New creates the structured logger described by cfg. The returned close
// function releases the log file when output names one.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error) {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.Level == "debug",
	}

	output, closeFn := openOutput(cfg.Output)

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closeFn
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openOutput(output string) (io.Writer, func() error) {
	noop := func() error { return nil }

	switch output {
	case "stdout":
		return os.Stdout, noop
	case "stderr", "":
		return os.Stderr, noop
	}

	file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", output, err)
		return os.Stderr, noop
	}
	return file, file.Close
}
