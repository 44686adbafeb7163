package memory

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func buildStack() (*Stack, *DictLayer, *DictLayer) {
	resolver := NewResolver(map[string]string{
		"session": "session",
		"runtime": "runtime",
	})
	session := NewDictLayer("session", 4)
	runtime := NewDictLayer("runtime", 4)
	txn := NewTransactionalLayer("txn")
	stack := NewStack(resolver, txn, session, runtime)
	return stack, session, runtime
}

func TestCommitAppliesStagedChangesToResolvedLayer(t *testing.T) {
	stack, session, _ := buildStack()
	prop := NewPropagator(NewResolver(map[string]string{"session": "session", "runtime": "runtime"}), nil)

	require.NoError(t, stack.Save("session.chat.1", MemoryObject{ID: "chat.1", Payload: "hi"}))

	result, err := prop.Commit(context.Background(), stack.Layers())
	require.NoError(t, err)
	require.Equal(t, 1, result.Counts["session"]["set"])

	obj, ok := session.Get("chat.1")
	require.True(t, ok)
	require.Equal(t, "hi", obj.Payload)
}

func TestRollbackDropsStagedChanges(t *testing.T) {
	stack, session, _ := buildStack()
	prop := NewPropagator(NewResolver(map[string]string{"session": "session", "runtime": "runtime"}), nil)

	require.NoError(t, stack.Save("session.chat.1", MemoryObject{ID: "chat.1", Payload: "hi"}))
	require.NoError(t, prop.Rollback(context.Background(), stack.Layers()))

	_, ok := session.Get("chat.1")
	require.False(t, ok, "rollback must not apply staged writes")
	require.True(t, stack.Txn().IsEmpty())
}

func TestCommitThenRollbackIsNoOp(t *testing.T) {
	stack, session, _ := buildStack()
	prop := NewPropagator(NewResolver(map[string]string{"session": "session", "runtime": "runtime"}), nil)

	require.NoError(t, stack.Save("session.chat.1", MemoryObject{ID: "chat.1", Payload: "hi"}))
	_, err := prop.Commit(context.Background(), stack.Layers())
	require.NoError(t, err)

	require.NoError(t, prop.Rollback(context.Background(), stack.Layers()))

	obj, ok := session.Get("chat.1")
	require.True(t, ok, "commit's effect on the lower layer must survive a later rollback of an empty txn")
	require.Equal(t, "hi", obj.Payload)
}

func TestCommitOnEmptyTxnChangesNothing(t *testing.T) {
	stack, session, runtime := buildStack()
	prop := NewPropagator(NewResolver(map[string]string{"session": "session", "runtime": "runtime"}), nil)

	result, err := prop.Commit(context.Background(), stack.Layers())
	require.NoError(t, err)
	require.Empty(t, result.Counts)
	require.Equal(t, uint64(0), session.Revision())
	require.Equal(t, uint64(0), runtime.Revision())
}

func TestReadThroughPrefersTopmostLayer(t *testing.T) {
	stack, session, _ := buildStack()
	require.NoError(t, session.Set("shared", MemoryObject{ID: "shared", Payload: "bottom"}))
	require.NoError(t, stack.Save("session.shared", MemoryObject{ID: "shared", Payload: "top"}))

	obj, ok := stack.Get("session.shared")
	require.True(t, ok)
	require.Equal(t, "top", obj.Payload, "txn layer must shadow the dict layer below it")
}

func TestUnprefixedKeyGoesToTopmostWritableLayer(t *testing.T) {
	stack, _, _ := buildStack()
	require.NoError(t, stack.SavePersistent("unscoped", MemoryObject{ID: "unscoped", Payload: 1}))

	obj, ok := stack.Get("unscoped")
	require.True(t, ok)
	require.Equal(t, 1, obj.Payload)
}

func TestDictLayerRetainsBoundedVersionHistory(t *testing.T) {
	layer := NewDictLayer("session", 2)
	for i := 0; i < 5; i++ {
		require.NoError(t, layer.Set("k", MemoryObject{ID: "k", Payload: i}))
	}
	obj, ok := layer.Get("k")
	require.True(t, ok)
	require.Equal(t, 4, obj.Payload, "Get must return the most recent version")
	require.Len(t, layer.versions["k"], 2, "history must be trimmed to maxVersions")
}

func TestSnapshotRoundTrip(t *testing.T) {
	layer := NewDictLayer("session", 4)
	require.NoError(t, layer.Set("a", MemoryObject{ID: "a", Payload: "one", UUID: "u1"}))
	require.NoError(t, layer.Set("b", MemoryObject{ID: "b", Payload: "two", UUID: "u2"}))

	snap := TakeSnapshot([]Layer{layer})
	require.Len(t, snap.Layers, 1)

	fresh := NewDictLayer("session", 4)
	Hydrate(snap, map[string]*DictLayer{"session": fresh})

	obj, ok := fresh.Get("a")
	require.True(t, ok)
	require.Equal(t, "one", obj.Payload)
	require.Empty(t, fresh.DirtyKeys(), "hydration should mark the layer clean")

	if diff := cmp.Diff(layer.Entries(), fresh.Entries()); diff != "" {
		t.Errorf("hydrated entries diverge from source layer (-source +hydrated):\n%s", diff)
	}
}

func TestReadOnlyLayerRejectsWrites(t *testing.T) {
	layer := NewReadOnlyLayer("static", map[string]MemoryObject{"k": {ID: "k", Payload: 1}})
	require.ErrorIs(t, layer.Set("k", MemoryObject{}), ErrReadOnly)
	require.ErrorIs(t, layer.Delete("k"), ErrReadOnly)
}
