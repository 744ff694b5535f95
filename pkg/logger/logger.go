package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey struct{}

type writeAttrs struct {
	writeID    string
	documentID string
}

func Setup(level string, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger without installing it as the default.
func New(w io.Writer, level string, format string) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// WithWrite tags ctx with the write and document being processed so that
// every log line emitted through FromContext carries them.
func WithWrite(ctx context.Context, writeID, documentID string) context.Context {
	return context.WithValue(ctx, contextKey{}, writeAttrs{writeID: writeID, documentID: documentID})
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if attrs, ok := ctx.Value(contextKey{}).(writeAttrs); ok {
		if attrs.writeID != "" {
			logger = logger.With("write_id", attrs.writeID)
		}
		if attrs.documentID != "" {
			logger = logger.With("document_id", attrs.documentID)
		}
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
