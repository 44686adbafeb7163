package rpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReconnectBumpsGenerationAndRollsSalt(t *testing.T) {
	conn, err := NewConnection("view_1", "client_1")
	require.NoError(t, err)
	first := conn.Generation()

	second, err := conn.Reconnect()
	require.NoError(t, err)
	require.Equal(t, first.Num+1, second.Num)
	require.NotEqual(t, first.Salt, second.Salt)
}

func TestIsStaleRejectsOlderGenerationOrDifferentSalt(t *testing.T) {
	conn, err := NewConnection("view_1", "client_1")
	require.NoError(t, err)
	current := conn.Generation()

	require.False(t, conn.IsStale(current))
	require.True(t, conn.IsStale(Gen{Num: current.Num - 1, Salt: current.Salt}))
	require.True(t, conn.IsStale(Gen{Num: current.Num, Salt: "not-the-salt"}))
}

func TestClientReadyGensPruneToMostRecent(t *testing.T) {
	conn, err := NewConnection("view_1", "client_1")
	require.NoError(t, err)

	for n := 1; n <= clientReadyGenSoftCap+10; n++ {
		conn.MarkClientReady(n)
	}
	require.True(t, conn.IsClientReady(clientReadyGenSoftCap+10))
	require.False(t, conn.IsClientReady(1))
}

func TestReplyCacheServesIdempotentReplay(t *testing.T) {
	conn, err := NewConnection("view_1", "client_1")
	require.NoError(t, err)

	_, ok := conn.CachedReply("key-1")
	require.False(t, ok)

	reply := newReplyMessage("msg-1", map[string]any{"ok": true})
	conn.RememberReply("key-1", reply)

	cached, ok := conn.CachedReply("key-1")
	require.True(t, ok)
	require.Equal(t, reply, cached)
}

func TestReplyCachePrunesOldestQuarterOnOverflow(t *testing.T) {
	conn, err := NewConnection("view_1", "client_1")
	require.NoError(t, err)

	for i := 0; i < maxReplyCache+1; i++ {
		conn.RememberReply(string(rune('a'+i%26))+string(rune(i)), newAckMessage("x"))
	}
	require.LessOrEqual(t, len(conn.replies), maxReplyCache)
}

func TestCancelPendingInvokesCancelFunc(t *testing.T) {
	conn, err := NewConnection("view_1", "client_1")
	require.NoError(t, err)

	called := false
	conn.RegisterPending("req-1", func() { called = true })

	require.True(t, conn.CancelPending("req-1"))
	require.True(t, called)
	require.False(t, conn.CancelPending("req-1"))
}

func TestManagerGetOrCreateReusesAndBumpsGeneration(t *testing.T) {
	mgr := NewManager()
	first, err := mgr.GetOrCreate("view_1", "client_1")
	require.NoError(t, err)
	firstGen := first.Generation()

	second, err := mgr.GetOrCreate("view_1", "client_1")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, firstGen.Num+1, second.Generation().Num)
}
