// Package tracing implements the process-global trace hub and span tracer
// described in spec §4.9: a ring buffer of trace records with live
// subscriber fanout, and a Tracer that threads span/context state through
// context.Context.
package tracing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// RecordType identifies the kind of trace record.
type RecordType string

const (
	SpanStart RecordType = "spanStart"
	SpanEnd   RecordType = "spanEnd"
	EventKind RecordType = "event"
)

// Record is one entry in the trace stream (spec §3, Trace record).
type Record struct {
	RecordType RecordType     `json:"recordType"`
	Time       time.Time      `json:"time"`
	Seq        uint64         `json:"seq"`
	TraceID    string         `json:"traceId"`
	SpanID     string         `json:"spanId"`
	ParentSpan string         `json:"parentSpanId,omitempty"`
	Name       string         `json:"name"`
	Level      string         `json:"level,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	DurationMs float64        `json:"durationMs,omitempty"`

	// Promoted context keys (spec §4.9).
	ViewID        string `json:"viewId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	PipelineRunID string `json:"pipelineRunId,omitempty"`
	ClientID      string `json:"clientId,omitempty"`
	ModID         string `json:"modId,omitempty"`
}

const defaultCapacity = 5000

// Hub is a process-global ring buffer of trace records plus a set of live
// subscriber channels. Subscribe returns a point-in-time snapshot alongside
// a channel carrying everything emitted afterward, so a freshly attached
// devtools connection gets history then tail without gaps.
type Hub struct {
	mu       sync.Mutex
	capacity int
	buf      []Record
	start    int // index of oldest record in buf, once full
	full     bool

	nextSeq uint64
	nextID  uint64
	subs    map[uint64]chan Record
}

// NewHub creates a trace hub with the given ring buffer capacity. A
// capacity of 0 uses the spec default of 5000.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		capacity: capacity,
		buf:      make([]Record, 0, capacity),
		subs:     make(map[uint64]chan Record),
	}
}

// globalHub is the process-wide default hub, matching spec §4.9's
// "process-global TraceHub".
var globalHub = NewHub(defaultCapacity)

// Global returns the process-wide trace hub.
func Global() *Hub { return globalHub }

// Emit pushes a record into the ring buffer and fans it out to every live
// subscriber. A full subscriber queue drops the record silently rather than
// blocking the emitter, matching the source's "queue-full drops silently"
// semantics.
func (h *Hub) Emit(rec Record) {
	h.mu.Lock()
	rec.Seq = h.nextSeq
	h.nextSeq++

	if len(h.buf) < h.capacity {
		h.buf = append(h.buf, rec)
	} else {
		h.buf[h.start] = rec
		h.start = (h.start + 1) % h.capacity
		h.full = true
	}

	subs := make([]chan Record, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Subscribe returns a snapshot of the current buffer plus a channel that
// receives every record emitted from this point on. Call the returned
// cancel function to unsubscribe and release the channel.
func (h *Hub) Subscribe() (snapshot []Record, records <-chan Record, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	snapshot = h.orderedLocked()

	id := h.nextID
	h.nextID++
	ch := make(chan Record, 256)
	h.subs[id] = ch

	return snapshot, ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// orderedLocked returns buffered records oldest-first. Caller must hold mu.
func (h *Hub) orderedLocked() []Record {
	if !h.full {
		out := make([]Record, len(h.buf))
		copy(out, h.buf)
		return out
	}
	out := make([]Record, 0, h.capacity)
	out = append(out, h.buf[h.start:]...)
	out = append(out, h.buf[:h.start]...)
	return out
}

// Tracer issues spans and events against a Hub.
type Tracer struct {
	hub *Hub
}

// NewTracer returns a Tracer backed by the given hub, or the global hub if
// hub is nil.
func NewTracer(hub *Hub) *Tracer {
	if hub == nil {
		hub = globalHub
	}
	return &Tracer{hub: hub}
}

type ctxKey struct{ name string }

var (
	ctxSpan      = ctxKey{"span"}
	ctxViewID    = ctxKey{"viewId"}
	ctxSessionID = ctxKey{"sessionId"}
	ctxRunID     = ctxKey{"pipelineRunId"}
	ctxClientID  = ctxKey{"clientId"}
	ctxModID     = ctxKey{"modId"}
)

// Span is an open span created by StartSpan. End must be called exactly
// once; calling it again is a no-op, matching the source's "double-end is
// a no-op" rule.
type Span struct {
	tracer     *Tracer
	traceID    string
	spanID     string
	parentSpan string
	name       string
	start      time.Time
	ended      atomic.Bool
	fields     contextFields
}

type contextFields struct {
	ViewID, SessionID, RunID, ClientID, ModID string
}

func fieldsFromContext(ctx context.Context) contextFields {
	f := contextFields{}
	if v, ok := ctx.Value(ctxViewID).(string); ok {
		f.ViewID = v
	}
	if v, ok := ctx.Value(ctxSessionID).(string); ok {
		f.SessionID = v
	}
	if v, ok := ctx.Value(ctxRunID).(string); ok {
		f.RunID = v
	}
	if v, ok := ctx.Value(ctxClientID).(string); ok {
		f.ClientID = v
	}
	if v, ok := ctx.Value(ctxModID).(string); ok {
		f.ModID = v
	}
	return f
}

// WithViewID, WithSessionID, WithRunID, WithClientID, WithModID attach a
// promoted context key (spec §4.9) to ctx for any spans/events created
// downstream.
func WithViewID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxViewID, id)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSessionID, id)
}

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRunID, id)
}

func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxClientID, id)
}

func WithModID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxModID, id)
}

// StartSpan captures the parent span (if any is present in ctx), issues a
// new spanId (and a new traceId if none is in flight), emits a spanStart
// record, and returns a context carrying the new span.
func (t *Tracer) StartSpan(ctx context.Context, name string, tags ...string) (context.Context, *Span) {
	traceID := ""
	parentSpanID := ""
	if parent, ok := ctx.Value(ctxSpan).(*Span); ok && parent != nil {
		traceID = parent.traceID
		parentSpanID = parent.spanID
	}
	if traceID == "" {
		traceID = ulid.Make().String()
	}

	span := &Span{
		tracer:     t,
		traceID:    traceID,
		spanID:     ulid.Make().String(),
		parentSpan: parentSpanID,
		name:       name,
		start:      time.Now(),
		fields:     fieldsFromContext(ctx),
	}

	t.hub.Emit(Record{
		RecordType:    SpanStart,
		Time:          span.start,
		TraceID:       span.traceID,
		SpanID:        span.spanID,
		ParentSpan:    span.parentSpan,
		Name:          name,
		Tags:          tags,
		ViewID:        span.fields.ViewID,
		SessionID:     span.fields.SessionID,
		PipelineRunID: span.fields.RunID,
		ClientID:      span.fields.ClientID,
		ModID:         span.fields.ModID,
	})

	return context.WithValue(ctx, ctxSpan, span), span
}

// End emits a spanEnd record with computed duration. Safe to call more than
// once; only the first call has an effect.
func (s *Span) End() {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	now := time.Now()
	s.tracer.hub.Emit(Record{
		RecordType:    SpanEnd,
		Time:          now,
		TraceID:       s.traceID,
		SpanID:        s.spanID,
		ParentSpan:    s.parentSpan,
		Name:          s.name,
		DurationMs:    float64(now.Sub(s.start).Microseconds()) / 1000.0,
		ViewID:        s.fields.ViewID,
		SessionID:     s.fields.SessionID,
		PipelineRunID: s.fields.RunID,
		ClientID:      s.fields.ClientID,
		ModID:         s.fields.ModID,
	})
}

// TraceEvent attaches an event record to the current span in ctx (if any)
// or emits it span-less.
func (t *Tracer) TraceEvent(ctx context.Context, name string, attrs map[string]any) {
	fields := fieldsFromContext(ctx)
	traceID, spanID := "", ""
	if span, ok := ctx.Value(ctxSpan).(*Span); ok && span != nil {
		traceID = span.traceID
		spanID = span.spanID
		fields = span.fields
	}

	t.hub.Emit(Record{
		RecordType:    EventKind,
		Time:          time.Now(),
		TraceID:       traceID,
		SpanID:        spanID,
		Name:          name,
		Attrs:         attrs,
		ViewID:        fields.ViewID,
		SessionID:     fields.SessionID,
		PipelineRunID: fields.RunID,
		ClientID:      fields.ClientID,
		ModID:         fields.ModID,
	})
}
