package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func NewLogger(level string) *slog.Logger {
	logger, _ := NewLeveled(os.Stdout, level)
	return logger
}

// NewLeveled returns a JSON logger and the LevelVar controlling it, so the
// level can follow config reloads.
func NewLeveled(w io.Writer, level string) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(h), lvl
}
