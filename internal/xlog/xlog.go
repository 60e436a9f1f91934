// Package xlog is a small structured-logging wrapper in the spirit of
// go-ethereum's log package (Info/Debug/Warn/Error/Crit with trailing
// key-value pairs), backed by log/slog's text handler on standard error.
// When standard error is a terminal the handler writes through
// go-colorable and logs from debug level, otherwise from info level; the
// text handler emits no color codes either way.
package xlog

import (
	"log/slog"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

var logger = newDefault()

func newDefault() *slog.Logger {
	var w = os.Stderr
	var handler slog.Handler
	if isatty.IsTerminal(w.Fd()) {
		handler = slog.NewTextHandler(colorable.NewColorable(w), &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(handler)
}

// SetLevel reconfigures the minimum level logged. level is one of
// "debug", "info", "warn", "error".
func SetLevel(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return
	}
	var w = os.Stderr
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	logger = slog.New(handler)
}

func Debug(msg string, ctx ...any) { logger.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { logger.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { logger.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { logger.Error(msg, ctx...) }

// Crit logs at error level and terminates the process, matching the
// teacher's log.Crit semantics for unrecoverable startup failures.
func Crit(msg string, ctx ...any) {
	logger.Error(msg, ctx...)
	os.Exit(1)
}
