// Package logging provides the structured logging helpers shared across
// the saga coordinator and its adapters: a logrus.Logger wrapped with
// accumulating fields, plus an operation timer that logs start/end with
// duration.
package logging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a root logger.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
}

// New builds a root *logrus.Logger from cfg.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	return logger
}

// FromContext extracts a request/trace-scoped entry from ctx, falling back
// to a bare entry on logger when no fields are present.
func FromContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	entry := logrus.NewEntry(logger)
	if v := ctx.Value(contextKey("saga_id")); v != nil {
		entry = entry.WithField("saga_id", v)
	}
	if v := ctx.Value(contextKey("trace_id")); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	return entry
}

type contextKey string

// WithSagaID returns a context carrying sagaID for later FromContext calls.
func WithSagaID(ctx context.Context, sagaID string) context.Context {
	return context.WithValue(ctx, contextKey("saga_id"), sagaID)
}

// WithTraceID returns a context carrying traceID for later FromContext calls.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, contextKey("trace_id"), traceID)
}

// LogOperation logs the start and end of fn, including its duration and
// any returned error.
func LogOperation(log *logrus.Entry, operation string, fn func() error) error {
	start := time.Now()
	log.WithField("operation", operation).Debug("operation started")

	err := fn()

	entry := log.WithFields(logrus.Fields{
		"operation":   operation,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("operation failed")
		return err
	}
	entry.Debug("operation completed")
	return nil
}
