package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-gsusb-gateway/internal/logging"
)

// setupLogger installs the process logger. An unknown level falls back to
// info with a warning rather than failing startup.
func setupLogger(format, level string) *slog.Logger {
	lvl, ok := logging.ParseLevel(level)
	l := logging.New(format, lvl, os.Stderr).With("app", "gsusb-gateway")
	logging.Set(l)
	if !ok {
		l.Warn("unknown_log_level", "level", level, "used", lvl.String())
	}
	return l
}
