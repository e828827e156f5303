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
	// RequestIDKey is the context key for a gateway request ID
	RequestIDKey ContextKey = "request_id"
	// SourceKey is the context key for the observation source (gateway, ingest, pipeline)
	SourceKey ContextKey = "source"
	// FrameIDKey is the context key for a perception frame ID
	FrameIDKey ContextKey = "frame_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	RequestID string
	Source    string
	FrameID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRequestID generates a new request ID
func NewRequestID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSource adds the observation source to the context
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, SourceKey, source)
}

// WithFrameID adds a frame ID to the context
func WithFrameID(ctx context.Context, frameID string) context.Context {
	return context.WithValue(ctx, FrameIDKey, frameID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, RequestIDKey)
}

// GetSource retrieves the observation source from the context
func GetSource(ctx context.Context) string {
	return stringValue(ctx, SourceKey)
}

// GetFrameID retrieves the frame ID from the context
func GetFrameID(ctx context.Context) string {
	return stringValue(ctx, FrameIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:   GetTraceID(ctx),
		RequestID: GetRequestID(ctx),
		Source:    GetSource(ctx),
		FrameID:   GetFrameID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RequestID != "" {
		ctx = WithRequestID(ctx, tc.RequestID)
	}
	if tc.Source != "" {
		ctx = WithSource(ctx, tc.Source)
	}
	if tc.FrameID != "" {
		ctx = WithFrameID(ctx, tc.FrameID)
	}
	return ctx
}

// NewRequestContext starts a new trace for a request arriving from source
func NewRequestContext(ctx context.Context, source string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithRequestID(ctx, NewRequestID())
	return WithSource(ctx, source)
}
