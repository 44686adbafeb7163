package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpanStartEndEmitsMatchingRecords(t *testing.T) {
	hub := NewHub(10)
	tracer := NewTracer(hub)

	_, records, cancel := hub.Subscribe()
	defer cancel()

	ctx, span := tracer.StartSpan(context.Background(), "pipeline.run", "pipeline")
	span.End()
	span.End() // double-end must be a no-op

	start := <-records
	require.Equal(t, SpanStart, start.RecordType)
	require.Equal(t, "pipeline.run", start.Name)

	end := <-records
	require.Equal(t, SpanEnd, end.RecordType)
	require.Equal(t, start.SpanID, end.SpanID)
	require.Equal(t, start.TraceID, end.TraceID)

	select {
	case rec := <-records:
		t.Fatalf("expected no third record after double End, got %+v", rec)
	case <-time.After(20 * time.Millisecond):
	}

	_ = ctx
}

func TestTraceEventPromotesContextFields(t *testing.T) {
	hub := NewHub(10)
	tracer := NewTracer(hub)

	ctx := WithViewID(context.Background(), "view_1")
	ctx = WithSessionID(ctx, "sess_1")

	_, records, cancel := hub.Subscribe()
	defer cancel()

	tracer.TraceEvent(ctx, "pipeline.chunk", map[string]any{"textDelta": "Hi"})

	rec := <-records
	require.Equal(t, EventKind, rec.RecordType)
	require.Equal(t, "view_1", rec.ViewID)
	require.Equal(t, "sess_1", rec.SessionID)
	require.Equal(t, "Hi", rec.Attrs["textDelta"])
}

func TestSubscribeReturnsSnapshotThenTail(t *testing.T) {
	hub := NewHub(2)

	hub.Emit(Record{RecordType: EventKind, Name: "a"})
	hub.Emit(Record{RecordType: EventKind, Name: "b"})

	snapshot, records, cancel := hub.Subscribe()
	defer cancel()

	require.Len(t, snapshot, 2)
	require.Equal(t, "a", snapshot[0].Name)
	require.Equal(t, "b", snapshot[1].Name)

	hub.Emit(Record{RecordType: EventKind, Name: "c"})
	tail := <-records
	require.Equal(t, "c", tail.Name)
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	hub := NewHub(3)
	for _, name := range []string{"a", "b", "c", "d"} {
		hub.Emit(Record{RecordType: EventKind, Name: name})
	}

	snapshot, _, cancel := hub.Subscribe()
	defer cancel()

	require.Len(t, snapshot, 3)
	names := []string{snapshot[0].Name, snapshot[1].Name, snapshot[2].Name}
	require.Equal(t, []string{"b", "c", "d"}, names)
}
