package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	once   sync.Once
	logger *slog.Logger
)

// Setup initializes the global logger. Level defaults to INFO when the
// supplied string is empty or unrecognized. Format is "json" or "text".
func Setup(level, format string) {
	once.Do(func() {
		logger = build(os.Stderr, level, format)
		slog.SetDefault(logger)
	})
}

func build(w io.Writer, level, format string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: l}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Get returns the configured logger, or a default one if Setup hasn't been called.
func Get() *slog.Logger {
	if logger == nil {
		Setup("INFO", "json")
	}
	return logger
}

// WithComponent returns a logger with the component field set.
func WithComponent(name string) *slog.Logger {
	return Get().With(slog.String("component", name))
}

// WithExecution returns a logger with the execution_id field set.
func WithExecution(id string) *slog.Logger {
	return Get().With(slog.String("execution_id", id))
}

// WithWorker returns a logger with the worker_id field set.
func WithWorker(id string) *slog.Logger {
	return Get().With(slog.String("worker_id", id))
}

// Error logs at ERROR level.
func Error(msg string, args ...any) {
	Get().Error(msg, args...)
}
