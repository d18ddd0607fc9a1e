// Package logging holds the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var global atomic.Pointer[slog.Logger]

func init() {
	global.Store(New("text", slog.LevelInfo, os.Stderr))
}

// L returns the current global logger.
func L() *slog.Logger { return global.Load() }

// Set replaces the global logger; nil is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		global.Store(l)
	}
}

// Component returns the global logger tagged with a component name. The
// result is bound to the logger current at call time.
func Component(name string) *slog.Logger { return L().With("component", name) }

// ParseLevel accepts the slog level names in any case, "warning" and the
// empty string (info). Unknown names yield info and false.
func ParseLevel(s string) (slog.Level, bool) {
	var lvl slog.Level
	switch s = strings.ToLower(s); s {
	case "":
		return slog.LevelInfo, true
	case "warning":
		s = "warn"
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, false
	}
	return lvl, true
}

// New builds a text or json handler logger writing to w (stderr if nil).
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h)
}
