package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Log is the global logger instance
var Log *slog.Logger

// level is the dynamic log level, changeable at runtime via SetLevel.
// slog.LevelVar is safe for concurrent use.
var level slog.LevelVar

// Init initializes the global logger on stderr with the specified level.
// Stdout is left to generated reports and command summaries.
func Init(levelStr string) {
	InitWith(os.Stderr, levelStr, "text")
}

// InitWith initializes the global logger writing to w. format is "text" or
// "json"; anything else means text.
func InitWith(w io.Writer, levelStr, format string) {
	SetLevel(levelStr)
	opts := &slog.HandlerOptions{Level: &level}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	Log = slog.New(h)
}

// SetLevel changes the log level at runtime. Valid values: debug, info, warn, error.
// Invalid values fall back to info.
func SetLevel(levelStr string) {
	var lvl slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	level.Set(lvl)
}

// Level returns the current log level.
func Level() slog.Level {
	return level.Level()
}

// Debug logs a debug message
func Debug(msg string, args ...any) {
	if Log != nil {
		Log.Debug(msg, args...)
	}
}

// Info logs an info message
func Info(msg string, args ...any) {
	if Log != nil {
		Log.Info(msg, args...)
	}
}

// Warn logs a warning message
func Warn(msg string, args ...any) {
	if Log != nil {
		Log.Warn(msg, args...)
	}
}

// Error logs an error message
func Error(msg string, args ...any) {
	if Log != nil {
		Log.Error(msg, args...)
	}
}
