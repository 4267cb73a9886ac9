package log

import (
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	DEBUG *log.Logger
	INFO  *log.Logger
	WARN  *log.Logger
	ERR   *log.Logger
	// HTTP receives errors raised by net/http servers.
	HTTP *log.Logger

	level   = new(slog.LevelVar)
	current atomic.Pointer[slog.Logger]
)

func init() {
	Configure(os.Stderr, false)
}

// Configure rebuilds the leveled loggers on top of a slog handler
// writing to w. Text output is used unless json is set.
func Configure(w io.Writer, json bool) {
	if w == nil {
		w = io.Discard
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	h = h.WithAttrs([]slog.Attr{slog.String("app", "cryptproxy")})

	DEBUG = slog.NewLogLogger(h, slog.LevelDebug)
	INFO = slog.NewLogLogger(h, slog.LevelInfo)
	WARN = slog.NewLogLogger(h, slog.LevelWarn)
	ERR = slog.NewLogLogger(h, slog.LevelError)
	HTTP = slog.NewLogLogger(h.WithAttrs([]slog.Attr{slog.String("component", "http")}), slog.LevelError)
	current.Store(slog.New(h))
}

// Structured returns the slog.Logger backing the leveled loggers.
func Structured() *slog.Logger {
	return current.Load()
}

// SetLevel updates the minimum level of every logger.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel normalizes a log level string into slog.Level.
// Unknown values return slog.LevelInfo with an error.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, errors.New("invalid log level")
}
