package tracing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/turnix/turnix/internal/capability"
)

func TestStreamCapabilitySubscribeReplaysSnapshotThenTails(t *testing.T) {
	hub := NewHub(10)
	tracer := NewTracer(hub)
	tracer.TraceEvent(context.Background(), "before.subscribe", nil)

	cap := NewStreamCapability(hub)

	var pushed []map[string]any
	push := func(event map[string]any) { pushed = append(pushed, event) }

	sub, err := cap.Subscribe(context.Background(), "", nil, capability.CallContext{}, push)
	require.NoError(t, err)
	defer sub.OnCancel()

	initial, ok := sub.Initial["records"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, initial, 1)
	require.Equal(t, "before.subscribe", initial[0]["name"])

	tracer.TraceEvent(context.Background(), "after.subscribe", nil)

	require.Eventually(t, func() bool { return len(pushed) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "after.subscribe", pushed[0]["name"])
}

func TestStreamCapabilityOnCancelLeavesHubServingOtherSubscribers(t *testing.T) {
	hub := NewHub(10)
	tracer := NewTracer(hub)

	cap := NewStreamCapability(hub)
	sub, err := cap.Subscribe(context.Background(), "", nil, capability.CallContext{}, func(map[string]any) {})
	require.NoError(t, err)

	sub.OnCancel()

	_, records, cancel := hub.Subscribe()
	defer cancel()
	tracer.TraceEvent(context.Background(), "after.cancel", nil)
	select {
	case rec := <-records:
		require.Equal(t, "after.cancel", rec.Name)
	case <-time.After(time.Second):
		t.Fatal("hub should still accept new subscribers after an unrelated one cancels")
	}
}
