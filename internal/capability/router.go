package capability

import (
	"context"
	"fmt"

	"github.com/turnix/turnix/internal/logging"
	"github.com/turnix/turnix/internal/permission"
)

// Router is the single permission-enforcement choke point for capability
// dispatch (spec §4.6/§4.7).
type Router struct {
	registry *Registry
	perms    *permission.Manager
}

func NewRouter(registry *Registry, perms *permission.Manager) *Router {
	return &Router{registry: registry, perms: perms}
}

func (r *Router) ensure(principal, capability string) error {
	if r.perms == nil {
		return nil
	}
	return r.perms.Ensure(principal, capability)
}

// RouteRequest resolves capability, enforces the permission family, and
// invokes Call. Callee errors propagate to the caller (spec §4.6: "Let
// capability errors bubble up").
func (r *Router) RouteRequest(ctx context.Context, capability, path string, args []any, cc CallContext) (any, error) {
	if capability == "" || path == "" {
		return nil, fmt.Errorf("capability: capability and path must be non-empty")
	}
	if err := r.ensure(cc.Principal, capability); err != nil {
		return nil, err
	}

	inst, ok := r.registry.Get(capability)
	if !ok {
		return nil, fmt.Errorf("capability: %q is not registered", capability)
	}
	caller, ok := inst.(Caller)
	if !ok {
		return nil, fmt.Errorf("capability: %q has no Call method", capability)
	}
	return caller.Call(ctx, path, args, cc)
}

// RouteEmit is fire-and-forget: a missing capability, a missing Emitter
// implementation, a permission denial, or a panic/handler error are all
// logged at debug and never returned to the caller (spec §4.6 "emit: ...
// errors logged at debug").
func (r *Router) RouteEmit(ctx context.Context, capability, path string, payload map[string]any, cc CallContext) {
	if capability == "" || path == "" {
		return
	}
	if err := r.ensure(cc.Principal, capability); err != nil {
		logging.Debug().Err(err).Str("capability", capability).Msg("capability: emit denied")
		return
	}

	inst, ok := r.registry.Get(capability)
	if !ok {
		logging.Debug().Str("capability", capability).Msg("capability: emit to unregistered capability")
		return
	}
	emitter, ok := inst.(Emitter)
	if !ok {
		logging.Debug().Str("capability", capability).Msg("capability: capability has no Emit method")
		return
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Debug().Interface("panic", rec).Str("capability", capability).Str("path", path).Msg("capability: emit panicked")
			}
		}()
		emitter.Emit(ctx, path, payload, cc)
	}()
}

// RouteSubscribe resolves capability, enforces the permission family, and
// invokes Subscribe. The returned ActiveSubscription wraps Push/OnCancel
// so a callee panic there is swallowed rather than propagated to the
// transport (spec §4.6, normalize-into-ActiveSubscription).
func (r *Router) RouteSubscribe(ctx context.Context, capability, path string, payload map[string]any, cc CallContext, push PushFunc) (ActiveSubscription, error) {
	if capability == "" || path == "" {
		return ActiveSubscription{}, fmt.Errorf("capability: capability and path must be non-empty")
	}
	if err := r.ensure(cc.Principal, capability); err != nil {
		return ActiveSubscription{}, err
	}

	inst, ok := r.registry.Get(capability)
	if !ok {
		return ActiveSubscription{}, fmt.Errorf("capability: %q is not registered", capability)
	}
	sub, ok := inst.(Subscriber)
	if !ok {
		return ActiveSubscription{}, fmt.Errorf("capability: %q has no Subscribe method", capability)
	}

	wrappedPush := safePush(push, capability, path)
	desc, err := sub.Subscribe(ctx, path, payload, cc, wrappedPush)
	if err != nil {
		return ActiveSubscription{}, err
	}

	if desc.Push == nil {
		desc.Push = wrappedPush
	} else {
		desc.Push = safePush(desc.Push, capability, path)
	}
	if desc.OnCancel == nil {
		desc.OnCancel = func() {}
	} else {
		desc.OnCancel = safeOnCancel(desc.OnCancel, capability, path)
	}
	return desc, nil
}

func safePush(push PushFunc, capability, path string) PushFunc {
	return func(event map[string]any) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Debug().Interface("panic", rec).Str("capability", capability).Str("path", path).Msg("capability: subscription push panicked")
			}
		}()
		push(event)
	}
}

func safeOnCancel(onCancel func(), capability, path string) func() {
	return func() {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Debug().Interface("panic", rec).Str("capability", capability).Str("path", path).Msg("capability: subscription onCancel panicked")
			}
		}()
		onCancel()
	}
}
