package tracing

import (
	"context"
	"encoding/json"

	"github.com/turnix/turnix/internal/capability"
)

// StreamCapability exposes a Hub as the "trace.stream@1" capability named
// in spec §4.6's own registration example: subscribing replays the current
// ring-buffer snapshot as Initial, then tails every record emitted after.
type StreamCapability struct {
	hub *Hub
}

// NewStreamCapability wraps hub for registration via
// capability.Registry.RegisterInstance("trace.stream@1", ...).
func NewStreamCapability(hub *Hub) *StreamCapability {
	return &StreamCapability{hub: hub}
}

var _ capability.Subscriber = (*StreamCapability)(nil)

func (c *StreamCapability) Subscribe(ctx context.Context, path string, payload map[string]any, cc capability.CallContext, push capability.PushFunc) (capability.ActiveSubscription, error) {
	snapshot, records, cancel := c.hub.Subscribe()

	initial := map[string]any{"records": recordsToMaps(snapshot)}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case rec, ok := <-records:
				if !ok {
					return
				}
				push(recordToMap(rec))
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return capability.ActiveSubscription{
		Initial: initial,
		Push:    push,
		OnCancel: func() {
			close(stop)
			cancel()
		},
	}, nil
}

func recordsToMaps(recs []Record) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordToMap(r))
	}
	return out
}

// recordToMap round-trips through JSON so the map matches exactly what a
// client decoding the wire envelope would see (same field names/omitempty).
func recordToMap(r Record) map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		return map[string]any{"name": r.Name, "recordType": string(r.RecordType)}
	}
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}
