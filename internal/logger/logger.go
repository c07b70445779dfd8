// Package logger provides a context-aware structured logger shared across
// the gateway's processes.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// contextKey is an unexported type for context keys.
type contextKey string

// TraceIDKey is the context key (and canonical header name) for the request trace ID.
const TraceIDKey contextKey = "X-Trace-ID"

var defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// NewContextLogger returns a logger that always includes the trace_id from
// the context, if present.
func NewContextLogger(ctx context.Context) *slog.Logger {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok || traceID == "" {
		return defaultLogger
	}
	return defaultLogger.With("trace_id", traceID)
}

// Fatalf logs an error message and exits the process with status 1.
func Fatalf(logger *slog.Logger, msg string, args ...any) {
	logger.Error(msg, args...)
	os.Exit(1)
}

// LogCircuitBreakerStateChange logs a structured event whenever the cloud
// upstream circuit breaker transitions between states.
func LogCircuitBreakerStateChange(logger *slog.Logger, breakerName, fromState, toState string) {
	if logger == nil {
		logger = defaultLogger
	}
	logger.Warn(
		"circuit_breaker_state_change",
		"breaker", breakerName,
		"from", fromState,
		"to", toState,
	)
}

// LogNodeStateTransition logs a structured event whenever a node transitions
// between online/degraded/offline/evicted states in the registry.
func LogNodeStateTransition(logger *slog.Logger, nodeID, fromState, toState, reason string) {
	if logger == nil {
		logger = defaultLogger
	}
	logger.Info(
		"node_state_transition",
		"node_id", nodeID,
		"from", fromState,
		"to", toState,
		"reason", reason,
	)
}
