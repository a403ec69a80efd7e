package app

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/specialistvlad/rendergrid/internal/config"
)

// newLogger builds the process logger for cfg. It does not set the global
// logger, so tests can run isolated instances side by side.
func newLogger(cfg config.Log, outW io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(outW, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	}
	return slog.New(handler)
}

// openLogTarget resolves log.target. The returned closer is a no-op for the
// standard streams.
func openLogTarget(target string, stdout, stderr io.Writer) (io.Writer, func() error, error) {
	switch target {
	case "", "stdout":
		return stdout, func() error { return nil }, nil
	case "stderr":
		return stderr, func() error { return nil }, nil
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log target %s: %w", target, err)
	}
	return f, f.Close, nil
}
