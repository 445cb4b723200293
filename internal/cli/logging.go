package cli

import (
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/camctl/cam/internal/config"
)

// newLogger builds the process logger. Interactive terminals get the
// text handler; everything else gets JSON for log shippers.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}

	useText := cfg.LogFormat == "text"
	if cfg.LogFormat == "auto" {
		useText = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	}

	var handler slog.Handler
	if useText {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
