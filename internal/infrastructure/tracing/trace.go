package tracing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/w200024212/pebbleos-sub001/internal/shared/clock"
	"github.com/w200024212/pebbleos-sub001/internal/shared/id"
)

// Header names used to propagate trace context over HTTP
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderSpanID  = "X-Span-ID"
)

const defaultKeep = 64

// TraceID groups the spans of one operation
type TraceID string

// SpanID identifies one span
type SpanID string

// Span is one timed operation. A process switch is one span from the
// request until the next process runs, which may cover several kernel main
// events; each step is an Event.
type Span struct {
	TraceID  TraceID           `json:"trace_id"`
	SpanID   SpanID            `json:"span_id"`
	ParentID SpanID            `json:"parent_id,omitempty"`
	Name     string            `json:"name"`
	Service  string            `json:"service"`
	Start    time.Time         `json:"start_time"`
	End      time.Time         `json:"end_time"`
	Duration time.Duration     `json:"duration"`
	Tags     map[string]string `json:"tags,omitempty"`
	Events   []Event           `json:"events,omitempty"`
	Error    string            `json:"error,omitempty"`

	clock clock.Clock
}

// Event is a timestamped step within a span
type Event struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// SetTag sets a string attribute
func (s *Span) SetTag(key, value string) {
	s.Tags[key] = value
}

// SetError marks the span failed; nil is ignored
func (s *Span) SetError(err error) {
	if err != nil {
		s.Error = err.Error()
	}
}

// Event appends a step
func (s *Span) Event(message string) {
	s.Events = append(s.Events, Event{At: s.clock.Now(), Message: message})
}

// Tracer hands out spans and keeps the most recently ended ones
type Tracer struct {
	service string
	logger  *zap.Logger
	clock   clock.Clock

	mu     sync.RWMutex
	ring   []Span
	next   int
	full   bool
	closed bool
}

// New creates a tracer that keeps the last 64 spans
func New(service string, logger *zap.Logger) *Tracer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracer{
		service: service,
		logger:  logger,
		clock:   clock.Real{},
		ring:    make([]Span, defaultKeep),
	}
}

// WithClock sets the clock used for span timestamps
func (t *Tracer) WithClock(c clock.Clock) *Tracer {
	t.clock = c
	return t
}

// StartSpan opens a span. It joins the trace carried by ctx, if any, as a
// child of ctx's span.
func (t *Tracer) StartSpan(ctx context.Context, name string) (*Span, context.Context) {
	traceID := TraceIDFrom(ctx)
	if traceID == "" {
		traceID = TraceID(id.NewSpanID())
	}
	span := &Span{
		TraceID:  traceID,
		SpanID:   SpanID(id.NewSpanID()),
		ParentID: SpanIDFrom(ctx),
		Name:     name,
		Service:  t.service,
		Start:    t.clock.Now(),
		Tags:     make(map[string]string),
		clock:    t.clock,
	}
	return span, ContextWith(ctx, traceID, span.SpanID)
}

// End closes a span, logs it and keeps it for Recent. Spans ended after
// Close are dropped.
func (t *Tracer) End(span *Span) {
	span.End = t.clock.Now()
	span.Duration = span.End.Sub(span.Start)

	t.log(span)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.ring[t.next] = *span
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
}

func (t *Tracer) log(span *Span) {
	fields := make([]zap.Field, 0, 6+len(span.Tags))
	fields = append(fields,
		zap.String("trace_id", string(span.TraceID)),
		zap.String("span_id", string(span.SpanID)),
		zap.String("operation", span.Name),
		zap.Duration("duration", span.Duration),
		zap.Int("events", len(span.Events)),
	)
	if span.ParentID != "" {
		fields = append(fields, zap.String("parent_id", string(span.ParentID)))
	}
	for k, v := range span.Tags {
		fields = append(fields, zap.String(k, v))
	}

	if span.Error != "" {
		t.logger.Warn("span failed", append(fields, zap.String("error", span.Error))...)
		return
	}
	t.logger.Debug("span ended", fields...)
}

// Recent returns up to n ended spans, newest first; n <= 0 means all kept
func (t *Tracer) Recent(n int) []Span {
	t.mu.RLock()
	defer t.mu.RUnlock()

	size := t.next
	if t.full {
		size = len(t.ring)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Span, 0, n)
	for i := 1; i <= n; i++ {
		idx := (t.next - i + len(t.ring)) % len(t.ring)
		out = append(out, t.ring[idx])
	}
	return out
}

// Close stops recording spans
func (t *Tracer) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
}

type contextKey int

const (
	traceIDKey contextKey = iota
	spanIDKey
)

// ContextWith returns ctx carrying the given trace context. Empty ids are
// not stored.
func ContextWith(ctx context.Context, traceID TraceID, spanID SpanID) context.Context {
	if traceID != "" {
		ctx = context.WithValue(ctx, traceIDKey, traceID)
	}
	if spanID != "" {
		ctx = context.WithValue(ctx, spanIDKey, spanID)
	}
	return ctx
}

// TraceIDFrom returns the trace id carried by ctx
func TraceIDFrom(ctx context.Context) TraceID {
	v, _ := ctx.Value(traceIDKey).(TraceID)
	return v
}

// SpanIDFrom returns the span id carried by ctx
func SpanIDFrom(ctx context.Context) SpanID {
	v, _ := ctx.Value(spanIDKey).(SpanID)
	return v
}
