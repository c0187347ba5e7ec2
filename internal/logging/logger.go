// Package logging configures the process-wide log/slog handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Tris860/websocket-service/internal/config"
)

// New builds a logger from cfg, tags every record with the service name and
// version, and installs it as the slog default.
func New(cfg config.LoggingConfig, version string) *slog.Logger {
	var output io.Writer = os.Stdout
	if strings.ToLower(cfg.Output) == "stderr" {
		output = os.Stderr
	}
	logger := newLogger(output, cfg, version)
	slog.SetDefault(logger)
	return logger
}

func newLogger(w io.Writer, cfg config.LoggingConfig, version string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler.WithAttrs([]slog.Attr{
		slog.String("service", "relayd"),
		slog.String("version", version),
	}))
}

// ParseLevel converts a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
