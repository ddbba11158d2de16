// Package logging holds the process-wide structured logger.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	level  = new(slog.LevelVar)
	Logger = slog.New(newHandler(os.Stdout, os.Getenv("LOG_FORMAT")))
)

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Init replaces the logger. An empty format falls back to LOG_FORMAT.
func Init(w io.Writer, format, lvl string) {
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	SetLevel(lvl)
	Logger = slog.New(newHandler(w, format))
}

// SetLevel accepts debug, info, warn or error. Anything else means info.
func SetLevel(lvl string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		l = slog.LevelInfo
	}
	level.Set(l)
}

func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
