package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"cardbackup/internal/bus"
	"cardbackup/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level  string
	Format string
	Output io.Writer
	Hub    *bus.Hub
}

// New constructs a slog logger using the provided options. When a hub is
// supplied every record is also published to it, so the replayable event
// stream and the process log always agree on content and order.
func New(opts Options) (*slog.Logger, error) {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(opts.Level)}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "json":
		handler = slog.NewJSONHandler(output, handlerOpts)
	case "console", "":
		handler = slog.NewTextHandler(output, handlerOpts)
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}

	if opts.Hub != nil {
		handler = newHubHandler(handler, opts.Hub)
	}
	return slog.New(handler), nil
}

// NewFromConfig creates a logger using application config defaults. When the
// config names a log directory, output is duplicated to cardbackup.log
// inside it.
func NewFromConfig(cfg *config.Config, hub *bus.Hub) (*slog.Logger, error) {
	if cfg == nil {
		return New(Options{Hub: hub})
	}

	var output io.Writer = os.Stderr
	if cfg.Paths.LogDir != "" {
		if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure log directory: %w", err)
		}
		logPath := filepath.Join(cfg.Paths.LogDir, "cardbackup.log")
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output = io.MultiWriter(os.Stderr, file)
	}

	return New(Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: output,
		Hub:    hub,
	})
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
