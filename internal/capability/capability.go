// Package capability implements the capability registry and router
// described in spec §4.6: named "family@version" capabilities dispatched
// via call/emit/subscribe, with the router as the single permission
// enforcement choke point (spec §4.7).
package capability

import (
	"context"
	"fmt"
	"sync"
)

// CallContext is passed to every Caller/Emitter/Subscriber invocation. It
// carries just enough identity for permission checks and tracing.
type CallContext struct {
	ID        string
	Principal string
	Origin    map[string]any
}

// Caller is implemented by capabilities that answer request/reply calls.
type Caller interface {
	Call(ctx context.Context, path string, args []any, cc CallContext) (any, error)
}

// Emitter is implemented by capabilities that accept fire-and-forget
// notifications.
type Emitter interface {
	Emit(ctx context.Context, path string, payload map[string]any, cc CallContext)
}

// PushFunc delivers one subscription event to the caller.
type PushFunc func(event map[string]any)

// ActiveSubscription is the normalized result of a subscribe call (spec
// §4.6). Push and OnCancel are always non-nil once constructed via
// NewActiveSubscription; callee panics are never allowed to escape them.
type ActiveSubscription struct {
	Push     PushFunc
	OnCancel func()
	Initial  map[string]any
}

// Subscriber is implemented by capabilities that answer subscribe calls.
type Subscriber interface {
	Subscribe(ctx context.Context, path string, payload map[string]any, cc CallContext, push PushFunc) (ActiveSubscription, error)
}

// Factory lazily instantiates (and caches) a capability instance — exactly
// one of Class or Provider must be set (spec §4.6, "Registration is by
// class ... or pre-built provider").
type Factory struct {
	mu        sync.Mutex
	name      string
	class     func() any
	provider  func() any
	singleton any
}

func newFactory(name string, class, provider func() any) (*Factory, error) {
	if (class == nil) == (provider == nil) {
		return nil, fmt.Errorf("capability: register %q with exactly one of class or provider", name)
	}
	return &Factory{name: name, class: class, provider: provider}, nil
}

// Instance returns the cached singleton, constructing it on first use.
func (f *Factory) Instance() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.singleton != nil {
		return f.singleton
	}
	if f.provider != nil {
		f.singleton = f.provider()
	} else {
		f.singleton = f.class()
	}
	return f.singleton
}

// Reset drops the cached singleton without unregistering the factory
// (spec §4.6, "Resetting an instance clears the singleton without
// unregistering").
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleton = nil
}

// Registry holds every registered capability factory, keyed by its
// versioned name ("chat@1", "trace.stream@1", ...).
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*Factory
}

func NewRegistry() *Registry {
	return &Registry{caps: map[string]*Factory{}}
}

// RegisterClass registers a capability constructed lazily from class on
// first use.
func (r *Registry) RegisterClass(name string, class func() any) error {
	return r.register(name, class, nil)
}

// RegisterProvider registers a capability backed by a pre-built provider
// function (e.g. closing over an already-constructed instance).
func (r *Registry) RegisterProvider(name string, provider func() any) error {
	return r.register(name, nil, provider)
}

// RegisterInstance binds a prebuilt instance directly as the singleton.
func (r *Registry) RegisterInstance(name string, instance any) error {
	return r.register(name, nil, func() any { return instance })
}

func (r *Registry) register(name string, class, provider func() any) error {
	f, err := newFactory(name, class, provider)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[name] = f
	return nil
}

// Unregister removes a capability entirely. Returns true if it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.caps[name]
	delete(r.caps, name)
	return ok
}

// ResetInstance drops a capability's cached singleton. Returns true if the
// capability was registered.
func (r *Registry) ResetInstance(name string) bool {
	r.mu.RLock()
	f, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	f.Reset()
	return true
}

// Get returns the live instance for name, constructing it on first use.
func (r *Registry) Get(name string) (any, bool) {
	r.mu.RLock()
	f, ok := r.caps[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f.Instance(), true
}

// List returns every registered capability name, unordered.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	return names
}
