package main

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// setupLogger builds the process logger. Logs go to stderr so that command
// output such as the validate plan stays machine readable on stdout.
func setupLogger(level, format, command string) *slog.Logger {
	return newLogger(os.Stderr, level, format).With(
		"service", appName,
		"command", command,
		"version", Version,
		"pid", os.Getpid(),
	)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}

	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
