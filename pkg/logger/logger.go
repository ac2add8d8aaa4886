package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	conversationKey
	traceKey
)

func Setup(level string, format string) {
	SetupWriter(os.Stdout, level, format)
}

// SetupWriter is Setup with an explicit destination, used by tests that
// capture log output.
func SetupWriter(w io.Writer, level string, format string) {
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
	slog.SetDefault(slog.New(handler))
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithConversation tags ctx with the conversation a message belongs to and
// the trace id minted for it at ingest.
func WithConversation(ctx context.Context, conversationID, traceID string) context.Context {
	ctx = context.WithValue(ctx, conversationKey, conversationID)
	if traceID != "" {
		ctx = context.WithValue(ctx, traceKey, traceID)
	}
	return ctx
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		logger = logger.With("request_id", requestID)
	}
	if conv, ok := ctx.Value(conversationKey).(string); ok {
		logger = logger.With("conversation_id", conv)
	}
	if trace, ok := ctx.Value(traceKey).(string); ok {
		logger = logger.With("trace_id", trace)
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
