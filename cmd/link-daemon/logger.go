package main

import (
	"log/slog"
	"os"

	"github.com/oro-sh/link-daemon/internal/logging"
)

// setupLogger builds the process-wide logger per spec.md §6: "trace" widens
// to slog's Debug level (slog has no finer level), and useJournald is a
// no-op fallback to stderr on hosts without journald — this build never
// vendors a journald handler, so it always falls back, but logs once at
// warn so the operator knows USE_JOURNALD had no effect.
func setupLogger(format, level string, verbose, useJournald bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "trace", "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	if verbose && lvl > slog.LevelDebug {
		lvl = slog.LevelDebug
	}

	l := logging.New(format, lvl, os.Stderr).With("app", "link-daemon")
	logging.Set(l)
	if useJournald {
		l.Warn("journald_unavailable", "msg", "USE_JOURNALD set but this build has no journald handler, logging to stderr")
	}
	return l
}
