package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the refresh run ID
	RunIDKey ContextKey = "run_id"
	// StoreKey is the context key for the store a unit of work targets
	StoreKey ContextKey = "store"
	// OperationKey is the context key for the store operation name
	OperationKey ContextKey = "op"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RunID     string
	Store     string
	Operation string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithStore adds the target store name to the context
func WithStore(ctx context.Context, store string) context.Context {
	return context.WithValue(ctx, StoreKey, store)
}

// WithOperation adds the operation name to the context
func WithOperation(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, OperationKey, op)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	return stringValue(ctx, RunIDKey)
}

// GetStore retrieves the store name from the context
func GetStore(ctx context.Context) string {
	return stringValue(ctx, StoreKey)
}

// GetOperation retrieves the operation name from the context
func GetOperation(ctx context.Context) string {
	return stringValue(ctx, OperationKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		Store:     GetStore(ctx),
		Operation: GetOperation(ctx),
	}
}

// NewRunContext starts a refresh run: a fresh run ID scoped to one store.
func NewRunContext(ctx context.Context, store string) context.Context {
	ctx = WithRunID(ctx, NewRunID())
	return WithStore(ctx, store)
}

// NewOperationContext tags ctx with the store and operation of a single write.
func NewOperationContext(ctx context.Context, store, op string) context.Context {
	return WithOperation(WithStore(ctx, store), op)
}
