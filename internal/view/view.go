// Package view implements the View registry described in spec §4.4: the
// per-client UI projection bound to a clientId, its attached session set,
// and the viewToken handshake credential.
package view

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/turnix/turnix/internal/event"
	"github.com/turnix/turnix/internal/tracing"
)

// Snapshot is the wire representation returned from welcome/bootstrap and
// by view.snapshot() handlers.
type Snapshot struct {
	ViewID             string         `json:"viewId"`
	AppPackID          string         `json:"appPackId"`
	ViewKind           string         `json:"viewKind"`
	Version            uint64         `json:"version"`
	State              map[string]any `json:"state"`
	AttachedSessionIDs []string       `json:"attachedSessionIds"`
}

// View is the backend representation of one frontend instance. It holds
// authoritative UI state and the set of sessions it is attached to; it
// never owns session objects itself.
type View struct {
	mu sync.RWMutex

	id        string
	viewKind  string
	appPackID string
	state     map[string]any
	version   uint64
	attached  map[string]struct{}

	tracer *tracing.Tracer
}

// Option configures a new View.
type Option func(*View)

// WithAppPackID sets the initial appPackId (default "turnix@main_menu").
func WithAppPackID(id string) Option {
	return func(v *View) { v.appPackID = id }
}

// WithViewKind sets the initial viewKind (default "main").
func WithViewKind(kind string) Option {
	return func(v *View) {
		if kind != "" {
			v.viewKind = kind
		}
	}
}

// WithTracer attaches a tracer used for view.lifecycle span/events.
func WithTracer(t *tracing.Tracer) Option {
	return func(v *View) { v.tracer = t }
}

// WithID overrides the minted viewId (used when rebinding a client to a
// specific, already-known viewId).
func WithID(id string) Option {
	return func(v *View) {
		if id != "" {
			v.id = id
		}
	}
}

// New constructs a View with a freshly minted id.
func New(opts ...Option) *View {
	v := &View{
		id:        "view_" + ulid.Make().String(),
		viewKind:  "main",
		appPackID: "turnix@main_menu",
		state:     map[string]any{},
		attached:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(v)
	}
	v.state["viewKind"] = v.viewKind
	return v
}

func (v *View) ID() string { return v.id }

// AttachSession adds sessionId to the attached set, bumping version.
// Attaching an already-attached session is a no-op beyond the version bump
// (spec §4.4: "attach/detach increment version").
func (v *View) AttachSession(sessionID string) uint64 {
	v.mu.Lock()
	v.attached[sessionID] = struct{}{}
	v.version++
	ver := v.version
	v.mu.Unlock()

	if v.tracer != nil {
		ctx := tracing.WithViewID(context.Background(), v.id)
		v.tracer.TraceEvent(ctx, "view.attachSession", map[string]any{
			"sessionId": sessionID, "version": ver,
		})
	}
	event.Publish(event.Event{
		Type: event.ViewAttached,
		Data: event.ViewAttachedData{ViewID: v.id, SessionID: sessionID, Version: ver},
	})
	return ver
}

// DetachSession removes sessionId from the attached set, bumping version.
func (v *View) DetachSession(sessionID string) uint64 {
	v.mu.Lock()
	delete(v.attached, sessionID)
	v.version++
	ver := v.version
	v.mu.Unlock()

	if v.tracer != nil {
		ctx := tracing.WithViewID(context.Background(), v.id)
		v.tracer.TraceEvent(ctx, "view.detachSession", map[string]any{
			"sessionId": sessionID, "version": ver,
		})
	}
	event.Publish(event.Event{
		Type: event.ViewDetached,
		Data: event.ViewDetachedData{ViewID: v.id, SessionID: sessionID, Version: ver},
	})
	return ver
}

// IsAttached reports whether sessionId is in the attached set.
func (v *View) IsAttached(sessionID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.attached[sessionID]
	return ok
}

// SetAppPackID rebinds which app pack this view projects.
func (v *View) SetAppPackID(appPackID string) error {
	if appPackID == "" {
		return fmt.Errorf("view: appPackId must be non-empty")
	}
	v.mu.Lock()
	v.appPackID = appPackID
	v.version++
	v.mu.Unlock()
	return nil
}

// PatchState merges patch into the view state, bumping version.
func (v *View) PatchState(patch map[string]any) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, val := range patch {
		v.state[k] = val
	}
	v.version++
	return v.version
}

// Snapshot returns a point-in-time copy of the view's wire state.
func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()

	state := make(map[string]any, len(v.state))
	for k, val := range v.state {
		state[k] = val
	}
	ids := make([]string, 0, len(v.attached))
	for id := range v.attached {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return Snapshot{
		ViewID:             v.id,
		AppPackID:          v.appPackID,
		ViewKind:           v.viewKind,
		Version:            v.version,
		State:              state,
		AttachedSessionIDs: ids,
	}
}
