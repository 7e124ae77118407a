// Package logging provides structured logging for the application
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// RedactedValue replaces the value of any secret attribute.
const RedactedValue = "[REDACTED]"

// secretKeys are attribute keys whose values never reach the output.
var secretKeys = map[string]bool{
	"otp":                true,
	"code":               true,
	"otp_hash":           true,
	"code_hash":          true,
	"admin_token":        true,
	"authorization":      true,
	"private_key":        true,
	"signer_private_key": true,
}

// IsSecretKey reports whether an attribute key is redacted.
func IsSecretKey(key string) bool {
	return secretKeys[strings.ToLower(key)]
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if IsSecretKey(a.Key) {
		return slog.String(a.Key, RedactedValue)
	}
	return a
}

// New creates a new structured logger on stdout
func New(level string, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a structured logger writing to w.
func NewWithWriter(w io.Writer, level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       lvl,
		AddSource:   lvl == slog.LevelDebug,
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the request ID from context
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger with request context
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if reqID := RequestID(ctx); reqID != "" {
		return logger.With("request_id", reqID)
	}
	return logger
}
