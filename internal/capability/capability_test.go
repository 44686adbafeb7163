package capability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/turnix/turnix/internal/permission"
	turnixsemver "github.com/turnix/turnix/internal/semver"
)

func TestRegisterRequiresExactlyOneOfClassOrProvider(t *testing.T) {
	r := NewRegistry()
	err := r.register("chat@1", nil, nil)
	require.Error(t, err)

	err = r.register("chat@1", func() any { return 1 }, func() any { return 2 })
	require.Error(t, err)
}

func TestRegistryInstanceIsLazyAndCached(t *testing.T) {
	r := NewRegistry()
	builds := 0
	require.NoError(t, r.RegisterClass("chat@1", func() any {
		builds++
		return &struct{}{}
	}))
	require.Equal(t, 0, builds)

	first, ok := r.Get("chat@1")
	require.True(t, ok)
	second, ok := r.Get("chat@1")
	require.True(t, ok)
	require.Same(t, first, second)
	require.Equal(t, 1, builds)
}

func TestResetInstanceClearsSingletonWithoutUnregistering(t *testing.T) {
	r := NewRegistry()
	builds := 0
	require.NoError(t, r.RegisterClass("chat@1", func() any {
		builds++
		return &struct{}{}
	}))

	first, _ := r.Get("chat@1")
	require.True(t, r.ResetInstance("chat@1"))
	second, ok := r.Get("chat@1")
	require.True(t, ok)
	require.NotSame(t, first, second)
	require.Equal(t, 2, builds)
}

func TestUnregisterRemovesCapability(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterInstance("chat@1", &struct{}{}))
	require.True(t, r.Unregister("chat@1"))
	_, ok := r.Get("chat@1")
	require.False(t, ok)
	require.False(t, r.Unregister("chat@1"))
}

type fakeCapability struct {
	calls, emits int
	subs         int
}

func (f *fakeCapability) Call(ctx context.Context, path string, args []any, cc CallContext) (any, error) {
	f.calls++
	return path, nil
}

func (f *fakeCapability) Emit(ctx context.Context, path string, payload map[string]any, cc CallContext) {
	f.emits++
	if path == "panic" {
		panic("boom")
	}
}

func (f *fakeCapability) Subscribe(ctx context.Context, path string, payload map[string]any, cc CallContext, push PushFunc) (ActiveSubscription, error) {
	f.subs++
	return ActiveSubscription{
		Push: func(event map[string]any) {
			if path == "panic" {
				panic("push boom")
			}
			push(event)
		},
		OnCancel: func() {
			if path == "panic" {
				panic("cancel boom")
			}
		},
	}, nil
}

func newManagerAllowing(family string) *permission.Manager {
	mgr := permission.NewManager()
	r, err := turnixsemver.ParseRequirement("*")
	if err != nil {
		panic(err)
	}
	mgr.PutGrant(permission.Grant{Principal: "demo-mod", Family: family, Decision: permission.Allow, RangeSpec: r})
	return mgr
}

func TestRouteRequestDeniedWithoutGrant(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterInstance("chat@1", &fakeCapability{}))
	router := NewRouter(reg, permission.NewManager())

	_, err := router.RouteRequest(context.Background(), "chat@1", "send", nil, CallContext{Principal: "demo-mod"})
	require.Error(t, err)
	require.True(t, permission.IsDenied(err))
}

func TestRouteRequestCallsCapabilityAndReturnsItsResult(t *testing.T) {
	reg := NewRegistry()
	cap := &fakeCapability{}
	require.NoError(t, reg.RegisterInstance("chat@1", cap))
	router := NewRouter(reg, newManagerAllowing("chat"))

	out, err := router.RouteRequest(context.Background(), "chat@1", "send", nil, CallContext{Principal: "demo-mod"})
	require.NoError(t, err)
	require.Equal(t, "send", out)
	require.Equal(t, 1, cap.calls)
}

func TestRouteRequestMissingCapability(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg, newManagerAllowing("chat"))
	_, err := router.RouteRequest(context.Background(), "chat@1", "send", nil, CallContext{Principal: "demo-mod"})
	require.Error(t, err)
}

func TestRouteEmitNeverReturnsErrorOnDenialOrPanic(t *testing.T) {
	reg := NewRegistry()
	cap := &fakeCapability{}
	require.NoError(t, reg.RegisterInstance("chat@1", cap))

	router := NewRouter(reg, permission.NewManager())
	router.RouteEmit(context.Background(), "chat@1", "note", nil, CallContext{Principal: "demo-mod"})

	router = NewRouter(reg, newManagerAllowing("chat"))
	done := make(chan struct{})
	go func() {
		router.RouteEmit(context.Background(), "chat@1", "panic", nil, CallContext{Principal: "demo-mod"})
		close(done)
	}()
	<-done
}

func TestRouteSubscribeWrapsPushAndOnCancelPanics(t *testing.T) {
	reg := NewRegistry()
	cap := &fakeCapability{}
	require.NoError(t, reg.RegisterInstance("chat@1", cap))
	router := NewRouter(reg, newManagerAllowing("chat"))

	sub, err := router.RouteSubscribe(context.Background(), "chat@1", "panic", nil, CallContext{Principal: "demo-mod"}, func(map[string]any) {})
	require.NoError(t, err)
	require.NotPanics(t, func() { sub.Push(map[string]any{}) })
	require.NotPanics(t, sub.OnCancel)
	require.Equal(t, 1, cap.subs)
}

func TestRouteSubscribeDeniedWithoutGrant(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterInstance("chat@1", &fakeCapability{}))
	router := NewRouter(reg, permission.NewManager())

	_, err := router.RouteSubscribe(context.Background(), "chat@1", "feed", nil, CallContext{Principal: "demo-mod"}, func(map[string]any) {})
	require.Error(t, err)
	require.True(t, permission.IsDenied(err))
}
