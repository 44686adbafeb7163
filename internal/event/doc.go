/*
Package event provides a type-safe, pub/sub event system used internally by
the Turnix engine to decouple pack discovery, view attachment, session
lifecycle, and pipeline run notifications from the components that care
about them.

# Architecture

The package is built on top of watermill's gochannel for infrastructure
while maintaining direct-call semantics to preserve type information. It
provides both synchronous and asynchronous event publishing patterns. The
same shape backs internal/tracing, which layers a ring buffer and live
subscriber snapshotting on top for devtools-grade trace streaming.

# Event types

Pack events:
  - pack.discovered: discovery indexed a new descriptor
  - pack.invalidated: a rescan was forced after a save-pack copy-in or mod toggle

View events:
  - view.attached: a view attached to a session
  - view.detached: a view detached from a session

Session events:
  - session.created: AppInstance.MakeSession produced a new session
  - session.destroyed: a session was torn down

Pipeline events:
  - pipeline.runStarted: a run began
  - pipeline.runCompleted: a run reached a terminal status

Permission events:
  - permission.denied: ensure() rejected a call (carries the doom-loop hint)

# Basic usage

Publishing events:

	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{SessionID: sess.ID, Kind: string(sess.Kind)},
	})

	event.PublishSync(event.Event{
		Type: event.RunCompleted,
		Data: event.RunCompletedData{RunID: run.ID, Status: "succeeded"},
	})

Subscribing to specific events:

	unsubscribe := event.Subscribe(event.PackDiscovered, func(e event.Event) {
		data := e.Data.(event.PackDiscoveredData)
		log.Info("pack discovered", "packTreeId", data.PackTreeID)
	})
	defer unsubscribe()

Subscribing to all events:

	unsubscribe := event.SubscribeAll(func(e event.Event) {
		log.Debug("event received", "type", e.Type)
	})
	defer unsubscribe()

# Subscriber safety guidelines

When using PublishSync, subscribers are called synchronously in the
publisher's goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant publishing)
  - Never acquire locks that the publisher might hold

# Custom event bus

For testing or isolation (e.g. a per-AppInstance bus), create custom bus
instances:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionCreated, handler)
	bus.PublishSync(event.Event{Type: event.SessionCreated, Data: data})

# Testing

	// Reset global bus state (use in test cleanup)
	event.Reset()

# Thread safety

The event bus is thread-safe and can be used concurrently from multiple
goroutines. Both publishing and subscribing operations are protected by
internal synchronization.
*/
package event
