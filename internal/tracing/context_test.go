package tracing

import (
	"context"
	"testing"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}

	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestWithValues(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-1")
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithSource(ctx, "gateway")
	ctx = WithFrameID(ctx, "frame-7")

	tc := FromContext(ctx)
	if tc.TraceID != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", tc.TraceID)
	}
	if tc.RequestID != "req-1" {
		t.Errorf("Expected request ID req-1, got %s", tc.RequestID)
	}
	if tc.Source != "gateway" {
		t.Errorf("Expected source gateway, got %s", tc.Source)
	}
	if tc.FrameID != "frame-7" {
		t.Errorf("Expected frame ID frame-7, got %s", tc.FrameID)
	}
}

func TestGetFromEmptyContext(t *testing.T) {
	ctx := context.Background()

	if GetTraceID(ctx) != "" {
		t.Error("Expected empty trace ID")
	}
	if GetSource(ctx) != "" {
		t.Error("Expected empty source")
	}
}

func TestNewContextRoundTrip(t *testing.T) {
	tc := &TraceContext{TraceID: "t", RequestID: "r", Source: "ingest"}
	ctx := NewContext(context.Background(), tc)

	got := FromContext(ctx)
	if *got != *tc {
		t.Errorf("Expected %+v, got %+v", tc, got)
	}
}

func TestNewRequestContext(t *testing.T) {
	ctx := NewRequestContext(context.Background(), "gateway")

	if GetTraceID(ctx) == "" {
		t.Error("Trace ID not generated")
	}
	if GetRequestID(ctx) == "" {
		t.Error("Request ID not generated")
	}
	if GetSource(ctx) != "gateway" {
		t.Errorf("Expected source gateway, got %s", GetSource(ctx))
	}
}
