// Package observability holds the span recorder and the Prometheus metrics
// shared by the client-side sync path and the progress service.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ─── Spans ──────────────────────────────────────────────────────────────────

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span is one timed operation: a queue drain, a batch post, an append.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	Duration  time.Duration     `json:"duration"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // most recent spans kept (default 1000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: true, MaxSpans: 1000}
}

// Tracer keeps the most recent finished spans in memory for inspection.
// A nil *Tracer is valid and records nothing.
type Tracer struct {
	mu    sync.Mutex
	spans []Span
	max   int
	on    bool
}

// NewTracer creates a tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = 1000
	}
	return &Tracer{max: cfg.MaxSpans, on: cfg.Enabled}
}

// StartSpan begins a span. The returned context carries the new span as
// parent for nested spans.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:   traceID(ctx),
		SpanID:    uuid.NewString(),
		ParentID:  parentID(ctx),
		Operation: operation,
		StartTime: time.Now(),
		Attrs:     attrs,
	}
	ctx = context.WithValue(ctx, traceKey, span.TraceID)
	ctx = context.WithValue(ctx, spanKey, span.SpanID)
	return ctx, span
}

// EndSpan finishes span, marking it failed when err is non-nil.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.on || span == nil {
		return
	}
	span.Duration = time.Since(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		SpanErrors.WithLabelValues(span.Operation).Inc()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.spans) >= t.max {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns up to limit of the most recent spans; limit <= 0 means all.
func (t *Tracer) Spans(limit int) []Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}
	out := make([]Span, limit)
	copy(out, t.spans[len(t.spans)-limit:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceKey contextKey = "tasbih-trace-id"
	spanKey  contextKey = "tasbih-span-id"
)

// WithTraceID returns a context carrying traceID, e.g. an HTTP request id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey, traceID)
}

// TraceID returns the trace id carried by ctx, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceKey).(string)
	return v
}

func traceID(ctx context.Context) string {
	if v := TraceID(ctx); v != "" {
		return v
	}
	return uuid.NewString()
}

func parentID(ctx context.Context) string {
	v, _ := ctx.Value(spanKey).(string)
	return v
}
