package app

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process logger for the named binary. Every record
// carries the binary under "service".
func NewLogger(cfg *Config, service string) *slog.Logger {
	return newLogger(os.Stdout, cfg, service)
}

func newLogger(w io.Writer, cfg *Config, service string) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true}
	var handler slog.Handler
	if cfg != nil {
		opts.Level = cfg.LogLevel
	}
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	if service != "" {
		logger = logger.With(slog.String("service", service))
	}
	return logger
}
