package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditCategory groups audit events
type AuditCategory string

const (
	AuditSnapshot AuditCategory = "snapshot"
	AuditSecurity AuditCategory = "security"
	AuditConfig   AuditCategory = "config"
)

// AuditEvent records an operator-relevant action such as discarding a
// corrupt snapshot or pruning the store. Status is success, failed or denied.
type AuditEvent struct {
	Category AuditCategory
	Actor    string
	Action   string
	Status   string
	Metadata map[string]interface{}
	At       time.Time
}

// AuditLogger appends audit events to a JSON lines sink
type AuditLogger struct {
	mu     sync.Mutex
	sink   zerolog.Logger
	closer io.Closer
	seq    int64
}

var current atomic.Pointer[AuditLogger]

func newAuditLogger(w io.Writer, closer io.Closer) *AuditLogger {
	return &AuditLogger{sink: zerolog.New(w), closer: closer}
}

// GetAuditLogger returns the process audit logger. Until InitAuditLogger
// succeeds events go to stderr.
func GetAuditLogger() *AuditLogger {
	if a := current.Load(); a != nil {
		return a
	}
	current.CompareAndSwap(nil, newAuditLogger(os.Stderr, nil))
	return current.Load()
}

// InitAuditLogger points the process audit logger at path, creating parent
// directories, and closes the previous sink.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	if prev := current.Swap(newAuditLogger(f, f)); prev != nil {
		_ = prev.Close()
	}
	return nil
}

// Record writes ev as one line. When ctx carries a recording span the event
// is also attached to it and the line carries its trace id.
func (a *AuditLogger) Record(ctx context.Context, ev AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	var traceID string
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		traceID = sc.TraceID().String()
		trace.SpanFromContext(ctx).AddEvent(ev.Action, trace.WithAttributes(
			attribute.String("audit.category", string(ev.Category)),
			attribute.String("audit.status", ev.Status),
			attribute.String("audit.actor", ev.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++
	line := a.sink.Log().
		Time("time", ev.At).
		Int64("seq", a.seq).
		Str("type", string(ev.Category)).
		Str("action", ev.Action).
		Str("actor", ev.Actor).
		Str("status", ev.Status)
	if traceID != "" {
		line = line.Str("trace_id", traceID)
	}
	if len(ev.Metadata) > 0 {
		line = line.Interface("metadata", ev.Metadata)
	}
	line.Send()
}

// Close releases the sink. Later events are discarded.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sink = zerolog.Nop()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.closer = nil
	return err
}

func record(ctx context.Context, category AuditCategory, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: category,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

func RecordSnapshotAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	record(ctx, AuditSnapshot, action, actor, status, metadata)
}

func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	record(ctx, AuditSecurity, action, actor, status, metadata)
}

func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	record(ctx, AuditConfig, action, actor, "success", metadata)
}
