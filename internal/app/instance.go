// Package app implements AppInstance: a mounted, running copy of an app
// pack (spec §4.3). It owns a save directory, a shared memory stack, and
// the sessions built on top of it.
package app

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/turnix/turnix/internal/event"
	"github.com/turnix/turnix/internal/memory"
	"github.com/turnix/turnix/internal/session"
	"github.com/turnix/turnix/internal/tracing"
)

var appPackIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.@-]+$`)

// Instance is a mounted app: save directory, shared [runtime, static,
// kernel...] memory stack, and the sessions built on top of it. Sessions
// are only ever created through MakeSession (it implements
// session.Spawner), which enforces the single-main-session invariant.
type Instance struct {
	AppPackID     string
	AppInstanceID string
	SaveRoot      string
	CreatedAt     time.Time

	runtime      *memory.DictLayer
	static       *memory.ReadOnlyLayer
	kernelBottom []memory.Layer
	resolver     *memory.Resolver
	tracer       *tracing.Tracer

	mu            sync.RWMutex
	sessionsByID  map[string]*session.Session
	mainSessionID string
	version       int

	savePolicy *memory.SavePolicy
}

// Option configures New/newInstance.
type Option func(*Instance)

// WithStaticEntries seeds the instance's read-only "static" layer.
func WithStaticEntries(entries map[string]memory.MemoryObject) Option {
	return func(i *Instance) { i.static = memory.NewReadOnlyLayer("static", entries) }
}

// WithKernelBottomLayers appends additional kernel-provided bottom layers,
// lowest priority, below runtime/static.
func WithKernelBottomLayers(layers ...memory.Layer) Option {
	return func(i *Instance) { i.kernelBottom = layers }
}

// WithInstanceID forces a specific appInstanceId (used by restore).
func WithInstanceID(id string) Option {
	return func(i *Instance) {
		if id != "" {
			i.AppInstanceID = id
		}
	}
}

// WithSavePolicy overrides the default always-persist-immediately policy
// (spec §9's resolved "synchronous save on every commit" open question).
func WithSavePolicy(policy *memory.SavePolicy) Option {
	return func(i *Instance) { i.savePolicy = policy }
}

// New validates appPackId, derives the save root under
// <savesRoot>/<appPackId>/<instanceId>/, and builds an Instance with no
// sessions yet. Callers create the main session via MakeSession(Main, ...).
func New(appPackID, savesRoot string, resolver *memory.Resolver, tracer *tracing.Tracer, opts ...Option) (*Instance, error) {
	if !appPackIDPattern.MatchString(appPackID) {
		return nil, fmt.Errorf("app: appPackId %q contains invalid characters", appPackID)
	}

	i := &Instance{
		AppPackID:    appPackID,
		static:       memory.NewReadOnlyLayer("static", nil),
		runtime:      memory.NewDictLayer("runtime", 0),
		resolver:     resolver,
		tracer:       tracer,
		sessionsByID: make(map[string]*session.Session),
		CreatedAt:    time.Now(),
		savePolicy:   memory.NewSavePolicy(0, 0, 0),
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.AppInstanceID == "" {
		i.AppInstanceID = "appInstanceId_" + ulid.Make().String()
	}
	i.SaveRoot = saveRootPath(savesRoot, appPackID, i.AppInstanceID)

	if tracer != nil {
		tracer.TraceEvent(context.Background(), "appInstance.create", map[string]any{
			"appPackId":     i.AppPackID,
			"appInstanceId": i.AppInstanceID,
		})
	}

	return i, nil
}

func saveRootPath(savesRoot, appPackID, instanceID string) string {
	return savesRoot + "/" + appPackID + "/" + instanceID
}

// bottomLayers returns the shared [runtime, static, kernel...] stack every
// session prepends its own [txn, private] layers to.
func (i *Instance) bottomLayers() []memory.Layer {
	layers := []memory.Layer{i.runtime, i.static}
	return append(layers, i.kernelBottom...)
}

// MakeSession implements session.Spawner (spec §4.3). Creating a second
// Main session is rejected.
func (i *Instance) MakeSession(kind session.Kind, ownerViewID string, visibility session.Visibility) (*session.Session, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if kind == session.Main && i.mainSessionID != "" {
		return nil, fmt.Errorf("app: instance %q already has main session %q", i.AppInstanceID, i.mainSessionID)
	}

	s := session.New(kind, ownerViewID, visibility, i.bottomLayers(), i.resolver, i, i.tracer)
	s.SetAutoSaveHook(i.autoSaveHook)
	i.sessionsByID[s.ID] = s
	if kind == session.Main {
		i.mainSessionID = s.ID
	}
	i.version++

	event.Publish(event.Event{Type: event.SessionCreated, Data: event.SessionCreatedData{
		AppInstanceID: i.AppInstanceID,
		SessionID:     s.ID,
		Kind:          string(kind),
	}})

	return s, nil
}

// Session looks up a session by id.
func (i *Instance) Session(sessionID string) (*session.Session, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	s, ok := i.sessionsByID[sessionID]
	return s, ok
}

// MainSession returns the instance's main session, if one has been made.
func (i *Instance) MainSession() (*session.Session, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.mainSessionID == "" {
		return nil, false
	}
	s, ok := i.sessionsByID[i.mainSessionID]
	return s, ok
}

// DestroySession blocks until the session's in-flight pipeline runs have
// rolled back, then removes it. Destroying the main session is rejected;
// it must go through instance teardown (Destroy). The session lookup/
// removal is serialized under i.mu, but the blocking rollback wait itself
// runs with the lock released so a slow session doesn't stall every other
// instance operation.
func (i *Instance) DestroySession(ctx context.Context, sessionID string) error {
	i.mu.Lock()
	if sessionID == i.mainSessionID {
		i.mu.Unlock()
		return fmt.Errorf("app: cannot destroy main session %q directly, destroy the instance instead", sessionID)
	}
	s, ok := i.sessionsByID[sessionID]
	i.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: session %q does not exist", sessionID)
	}

	if err := s.Destroy(ctx); err != nil {
		return err
	}

	i.mu.Lock()
	delete(i.sessionsByID, sessionID)
	i.version++
	i.mu.Unlock()

	event.Publish(event.Event{Type: event.SessionDestroyed, Data: event.SessionDestroyedData{
		AppInstanceID: i.AppInstanceID,
		SessionID:     sessionID,
	}})
	return nil
}

// autoSaveHook is installed on every session via session.SetAutoSaveHook. It
// consults the instance's SavePolicy against the dirty keys accumulated on
// the shared runtime layer plus the committing session's own private layer,
// and persists the whole instance when the policy says to.
func (i *Instance) autoSaveHook(ctx context.Context, private *memory.DictLayer) error {
	now := time.Now()
	i.savePolicy.NoteActivity(now)

	dirty := len(i.runtime.DirtyKeys()) + len(private.DirtyKeys())
	if !i.savePolicy.ShouldPersist(now, dirty) {
		return nil
	}

	if _, err := i.Save(""); err != nil {
		return fmt.Errorf("app: auto-save instance %q: %w", i.AppInstanceID, err)
	}
	i.savePolicy.MarkPersisted(now)
	i.runtime.ClearDirty()
	private.ClearDirty()
	return nil
}

// ListSessions returns session ids, optionally filtered to the given kinds.
// With no kinds given, every session id is returned, sorted.
func (i *Instance) ListSessions(kinds ...session.Kind) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	allowed := make(map[session.Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}

	var ids []string
	for id, s := range i.sessionsByID {
		if len(kinds) > 0 && !allowed[s.Kind] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Destroy blocks until every targeted session's in-flight runs have rolled
// back, then drops them (optionally keeping main), matching the Python
// original's destroy(keepMain=...) plus spec §9's await-semantics fix.
func (i *Instance) Destroy(ctx context.Context, keepMain bool) error {
	i.mu.Lock()
	var toDestroy []*session.Session
	for id, s := range i.sessionsByID {
		if keepMain && id == i.mainSessionID {
			continue
		}
		toDestroy = append(toDestroy, s)
	}
	i.mu.Unlock()

	for _, s := range toDestroy {
		if err := s.Destroy(ctx); err != nil {
			return fmt.Errorf("app: destroy instance %q: %w", i.AppInstanceID, err)
		}
	}

	i.mu.Lock()
	for _, s := range toDestroy {
		delete(i.sessionsByID, s.ID)
	}
	if _, ok := i.sessionsByID[i.mainSessionID]; !ok {
		i.mainSessionID = ""
	}
	i.version++
	i.mu.Unlock()

	if i.tracer != nil {
		i.tracer.TraceEvent(ctx, "appInstance.destroy", map[string]any{
			"appInstanceId": i.AppInstanceID,
			"keepMain":      keepMain,
		})
	}
	return nil
}

