package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/turnix/turnix/internal/memory"
	"github.com/turnix/turnix/internal/pipeline"
	"github.com/turnix/turnix/internal/session"
)

func newTestResolver() *memory.Resolver {
	return memory.NewResolver(map[string]string{"runtime": "runtime", "session": "session"})
}

func TestNewRejectsInvalidAppPackID(t *testing.T) {
	_, err := New("bad pack id!", t.TempDir(), newTestResolver(), nil)
	require.Error(t, err)
}

func TestMakeSessionEnforcesSingleMainSession(t *testing.T) {
	inst, err := New("turnix@main_menu", t.TempDir(), newTestResolver(), nil)
	require.NoError(t, err)

	_, err = inst.MakeSession(session.Main, "", session.Public)
	require.NoError(t, err)

	_, err = inst.MakeSession(session.Main, "", session.Public)
	require.Error(t, err)
}

func TestDestroySessionRejectsMainSession(t *testing.T) {
	inst, err := New("turnix@main_menu", t.TempDir(), newTestResolver(), nil)
	require.NoError(t, err)
	main, err := inst.MakeSession(session.Main, "", session.Public)
	require.NoError(t, err)

	require.Error(t, inst.DestroySession(context.Background(), main.ID))
}

func TestDestroySessionRemovesNonMainSession(t *testing.T) {
	inst, err := New("turnix@main_menu", t.TempDir(), newTestResolver(), nil)
	require.NoError(t, err)
	hidden, err := inst.MakeSession(session.Hidden, "view_1", session.Private)
	require.NoError(t, err)

	require.NoError(t, inst.DestroySession(context.Background(), hidden.ID))
	_, ok := inst.Session(hidden.ID)
	require.False(t, ok)
}

func TestDestroySessionWaitsForInFlightRunRollback(t *testing.T) {
	inst, err := New("turnix@main_menu", t.TempDir(), newTestResolver(), nil)
	require.NoError(t, err)
	hidden, err := inst.MakeSession(session.Hidden, "view_1", session.Private)
	require.NoError(t, err)

	started := make(chan struct{})
	releaseHandler := make(chan struct{})
	hidden.Pipeline.Subscribe(pipeline.BuildPrompt, 0, pipeline.Once, func(ctx context.Context, run *pipeline.Run, payload map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		<-releaseHandler
		return nil, nil
	})
	hidden.Pipeline.StartRun(context.Background(), "chat", nil)
	<-started

	destroyErr := make(chan error, 1)
	go func() { destroyErr <- inst.DestroySession(context.Background(), hidden.ID) }()

	select {
	case <-destroyErr:
		t.Fatal("DestroySession returned before the in-flight run's rollback completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(releaseHandler)
	require.NoError(t, <-destroyErr)
	_, ok := inst.Session(hidden.ID)
	require.False(t, ok)
}

func TestListSessionsFiltersByKind(t *testing.T) {
	inst, err := New("turnix@main_menu", t.TempDir(), newTestResolver(), nil)
	require.NoError(t, err)
	_, err = inst.MakeSession(session.Main, "", session.Public)
	require.NoError(t, err)
	_, err = inst.MakeSession(session.Hidden, "view_1", session.Private)
	require.NoError(t, err)

	require.Len(t, inst.ListSessions(), 2)
	require.Len(t, inst.ListSessions(session.Hidden), 1)
}

func TestSpawnedSessionSharesRuntimeLayer(t *testing.T) {
	inst, err := New("turnix@main_menu", t.TempDir(), newTestResolver(), nil)
	require.NoError(t, err)
	main, err := inst.MakeSession(session.Main, "", session.Public)
	require.NoError(t, err)

	require.NoError(t, main.Memory.SavePersistent("runtime.turn", memory.MemoryObject{ID: "turn", Payload: 1}))

	hidden, err := main.SpawnHidden(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, hidden.SessionID())

	hiddenSession, ok := inst.Session(hidden.SessionID())
	require.True(t, ok)
	runtimeObj, ok := hiddenSession.Memory.Get("runtime.turn")
	require.True(t, ok)
	require.Equal(t, 1, runtimeObj.Payload)
}

func TestCommitMemoryAutoSavesImmediatelyByDefault(t *testing.T) {
	resolver := newTestResolver()
	savesRoot := t.TempDir()

	inst, err := New("turnix@main_menu", savesRoot, resolver, nil)
	require.NoError(t, err)
	main, err := inst.MakeSession(session.Main, "", session.Public)
	require.NoError(t, err)

	require.NoError(t, main.Memory.SavePersistent("runtime.turn", memory.MemoryObject{ID: "turn", Payload: 1}))
	_, err = main.CommitMemory(context.Background())
	require.NoError(t, err)

	require.FileExists(t, inst.SaveRoot+"/save.json5")
}

func TestCommitMemoryDefersSaveUntilPolicyThresholdMet(t *testing.T) {
	resolver := newTestResolver()
	savesRoot := t.TempDir()

	inst, err := New("turnix@main_menu", savesRoot, resolver, nil,
		WithSavePolicy(memory.NewSavePolicy(0, 0, 2)))
	require.NoError(t, err)
	main, err := inst.MakeSession(session.Main, "", session.Public)
	require.NoError(t, err)

	require.NoError(t, main.Memory.SavePersistent("runtime.turn", memory.MemoryObject{ID: "turn", Payload: 1}))
	_, err = main.CommitMemory(context.Background())
	require.NoError(t, err)
	require.NoFileExists(t, inst.SaveRoot+"/save.json5", "one dirty key is below the max-dirty-items threshold")

	require.NoError(t, main.Memory.SavePersistent("runtime.turn2", memory.MemoryObject{ID: "turn2", Payload: 2}))
	_, err = main.CommitMemory(context.Background())
	require.NoError(t, err)
	require.FileExists(t, inst.SaveRoot+"/save.json5", "second dirty key reaches the threshold")
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	resolver := newTestResolver()
	savesRoot := t.TempDir()

	inst, err := New("turnix@main_menu", savesRoot, resolver, nil)
	require.NoError(t, err)
	main, err := inst.MakeSession(session.Main, "", session.Public)
	require.NoError(t, err)
	require.NoError(t, main.Memory.SavePersistent("runtime.turn", memory.MemoryObject{ID: "turn", Payload: 7}))
	require.NoError(t, main.Memory.Save("session.note", memory.MemoryObject{ID: "note", Payload: "hi"}))
	_, err = main.CommitMemory(context.Background())
	require.NoError(t, err)

	manifest, err := inst.Save("checkpoint")
	require.NoError(t, err)
	require.Equal(t, inst.AppInstanceID, manifest.AppInstanceID)

	restored, err := Load(savesRoot, "turnix@main_menu", inst.AppInstanceID, resolver, nil)
	require.NoError(t, err)
	require.Equal(t, inst.AppInstanceID, restored.AppInstanceID)

	restoredMain, ok := restored.MainSession()
	require.True(t, ok)
	require.Equal(t, main.ID, restoredMain.ID)

	runtimeObj, ok := restoredMain.Memory.Get("runtime.turn")
	require.True(t, ok)
	require.Equal(t, float64(7), runtimeObj.Payload)

	noteObj, ok := restoredMain.Memory.Get("session.note")
	require.True(t, ok)
	require.Equal(t, "hi", noteObj.Payload)
}
