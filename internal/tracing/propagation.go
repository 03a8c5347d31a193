package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Store != "" {
		lc = lc.Str("store", tc.Store)
	}
	if tc.Operation != "" {
		lc = lc.Str("op", tc.Operation)
	}

	return lc.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach copies tracing values onto a fresh background context. Work that must
// outlive the caller's cancellation (a commit already in flight) runs on it.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.RunID != "" {
		out = WithRunID(out, tc.RunID)
	}
	if tc.Store != "" {
		out = WithStore(out, tc.Store)
	}
	if tc.Operation != "" {
		out = WithOperation(out, tc.Operation)
	}
	return out
}
