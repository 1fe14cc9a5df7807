package events

import (
	"context"
	"os"
	"sync"
)

type contextKey int

const (
	loggerKey contextKey = iota
	requestIDKey
	ownerIDKey
	instanceIDKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("request_id", id)
	ctx = context.WithValue(ctx, requestIDKey, id)
	return WithLogger(ctx, logger)
}

// WithOwnerID adds the sync owner to context.
func WithOwnerID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("owner_id", id)
	ctx = context.WithValue(ctx, ownerIDKey, id)
	return WithLogger(ctx, logger)
}

// WithInstanceID adds the calling agent instance to context.
func WithInstanceID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("instance_id", id)
	ctx = context.WithValue(ctx, instanceIDKey, id)
	return WithLogger(ctx, logger)
}

// GetRequestID retrieves request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// GetOwnerID retrieves owner ID from context.
func GetOwnerID(ctx context.Context) string {
	if id, ok := ctx.Value(ownerIDKey).(string); ok {
		return id
	}
	return ""
}

// GetInstanceID retrieves instance ID from context.
func GetInstanceID(ctx context.Context) string {
	if id, ok := ctx.Value(instanceIDKey).(string); ok {
		return id
	}
	return ""
}

var defaultLogger = &Logger{
	mu:     &sync.Mutex{},
	level:  newLevel(InfoLevel),
	format: "text",
	output: os.Stdout,
	fields: make(map[string]interface{}),
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger
}
