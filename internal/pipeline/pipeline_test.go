package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/turnix/turnix/internal/memory"
	"github.com/turnix/turnix/internal/tracing"
)

type fakeHost struct {
	id         string
	committed  int
	rolledback int
	failCommit bool
}

func (h *fakeHost) SessionID() string { return h.id }

func (h *fakeHost) CommitMemory(ctx context.Context) (memory.CommitResult, error) {
	h.committed++
	if h.failCommit {
		return memory.CommitResult{}, fmt.Errorf("commit failed")
	}
	return memory.CommitResult{}, nil
}

func (h *fakeHost) RollbackMemory(ctx context.Context) error {
	h.rolledback++
	return nil
}

func (h *fakeHost) SpawnHidden(ctx context.Context) (Host, error) {
	return &fakeHost{id: h.id + "-hidden"}, nil
}

func (h *fakeHost) SpawnTemporary(ctx context.Context) (Host, error) {
	return &fakeHost{id: h.id + "-temp"}, nil
}

type fakeEngine struct {
	chunks []Chunk
}

func (e *fakeEngine) Call(ctx context.Context, run *Run) (<-chan Chunk, error) {
	ch := make(chan Chunk, len(e.chunks))
	for _, c := range e.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not complete in time")
	}
}

func TestRunCommitsOnSuccess(t *testing.T) {
	host := &fakeHost{id: "s1"}
	p := New(host, nil)

	run := p.StartRun(context.Background(), "chat", map[string]any{"text": "hi"})
	waitDone(t, run)

	require.Equal(t, Succeeded, run.Status())
	require.Equal(t, 1, host.committed)
	require.Equal(t, 0, host.rolledback)
}

func TestRunRollsBackOnCommitFailure(t *testing.T) {
	host := &fakeHost{id: "s1", failCommit: true}
	p := New(host, nil)

	run := p.StartRun(context.Background(), "chat", nil)
	waitDone(t, run)

	require.Equal(t, Failed, run.Status())
	require.Equal(t, 1, host.rolledback)
}

func TestRunFailsAndRollsBackOnHandlerError(t *testing.T) {
	host := &fakeHost{id: "s1"}
	p := New(host, nil)
	p.Subscribe(BuildPrompt, 0, Once, func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("boom")
	})

	run := p.StartRun(context.Background(), "chat", nil)
	waitDone(t, run)

	require.Equal(t, Failed, run.Status())
	require.Equal(t, 0, host.committed)
	require.Equal(t, 1, host.rolledback)
}

func TestPerChunkFanoutCollectsDeltas(t *testing.T) {
	host := &fakeHost{id: "s1"}
	p := New(host, nil)
	p.SetEngineCaller(&fakeEngine{chunks: []Chunk{{"textDelta": "Hi"}, {"textDelta": " there"}}}, false)

	var deltas []string
	p.Subscribe(ParseStreamedResponse, 0, PerChunk, func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		deltas = append(deltas, payload["textDelta"].(string))
		return nil, nil
	})

	run := p.StartRun(context.Background(), "chat", nil)
	waitDone(t, run)

	require.Equal(t, Succeeded, run.Status())
	require.Equal(t, []string{"Hi", " there"}, deltas)
}

func TestChunkHandlerErrorDoesNotFailRun(t *testing.T) {
	host := &fakeHost{id: "s1"}
	p := New(host, nil)
	p.SetEngineCaller(&fakeEngine{chunks: []Chunk{{"textDelta": "Hi"}}}, false)
	p.Subscribe(ParseStreamedResponse, 0, PerChunk, func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		return nil, fmt.Errorf("chunk handler exploded")
	})

	run := p.StartRun(context.Background(), "chat", nil)
	waitDone(t, run)

	require.Equal(t, Succeeded, run.Status())
	errs, ok := run.Context()["chunkErrors"].([]string)
	require.True(t, ok)
	require.Len(t, errs, 1)
}

func TestCancelMarksRunCancelledAndRollsBack(t *testing.T) {
	host := &fakeHost{id: "s1"}
	p := New(host, nil)
	started := make(chan struct{})
	p.Subscribe(BuildPrompt, 0, Once, func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, nil
	})

	run := p.StartRun(context.Background(), "chat", nil)
	<-started
	require.NoError(t, p.Cancel(run.ID))
	waitDone(t, run)

	require.Equal(t, Cancelled, run.Status())
	require.Equal(t, 1, host.rolledback)
}

func TestCancelUnknownRunErrors(t *testing.T) {
	p := New(&fakeHost{id: "s1"}, nil)
	require.Error(t, p.Cancel("no-such-run"))
}

func TestCancelAndWaitBlocksUntilRollbackCompletes(t *testing.T) {
	host := &fakeHost{id: "s1"}
	p := New(host, nil)
	started := make(chan struct{})
	releaseHandler := make(chan struct{})
	p.Subscribe(BuildPrompt, 0, Once, func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		<-releaseHandler // rollback only happens once the driver actually unwinds past here
		return nil, nil
	})

	run := p.StartRun(context.Background(), "chat", nil)
	<-started

	waitErr := make(chan error, 1)
	go func() { waitErr <- p.CancelAndWait(context.Background(), run.ID) }()

	select {
	case <-waitErr:
		t.Fatal("CancelAndWait returned before the handler released the driver")
	case <-time.After(20 * time.Millisecond):
	}

	close(releaseHandler)
	require.NoError(t, <-waitErr)
	require.Equal(t, Cancelled, run.Status())
	require.Equal(t, 1, host.rolledback)
}

func TestCancelAndWaitRespectsContextDeadline(t *testing.T) {
	host := &fakeHost{id: "s1"}
	p := New(host, nil)
	started := make(chan struct{})
	p.Subscribe(BuildPrompt, 0, Once, func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		time.Sleep(500 * time.Millisecond) // outlives the short deadline below
		return nil, nil
	})

	run := p.StartRun(context.Background(), "chat", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.CancelAndWait(ctx, run.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelAndWaitUnknownRunErrors(t *testing.T) {
	p := New(&fakeHost{id: "s1"}, nil)
	require.Error(t, p.CancelAndWait(context.Background(), "no-such-run"))
}

// TestRunPublishesLifecycleAndChunksOnRunTopic covers spec §8 scenario 3: a
// devtools/trace subscriber watching "run:<runId>" sees {kind:"runStarted"},
// every streamed chunk, then {kind:"runCompleted", status:"succeeded"} —
// without needing a reference to the *Run itself.
func TestRunPublishesLifecycleAndChunksOnRunTopic(t *testing.T) {
	hub := tracing.NewHub(0)
	tracer := tracing.NewTracer(hub)
	host := &fakeHost{id: "s1"}
	p := New(host, tracer)
	p.SetEngineCaller(&fakeEngine{chunks: []Chunk{{"textDelta": "Hi"}, {"textDelta": " there"}}}, false)

	_, records, cancel := hub.Subscribe()
	defer cancel()

	run := p.StartRun(context.Background(), "chat", nil)
	waitDone(t, run)

	var seen []tracing.Record
	for len(seen) < 4 {
		select {
		case rec := <-records:
			if rec.Name == "run:"+run.ID {
				seen = append(seen, rec)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for run:%s records, got %d", run.ID, len(seen))
		}
	}

	require.Equal(t, "runStarted", seen[0].Attrs["kind"])
	require.Equal(t, "Hi", seen[1].Attrs["textDelta"])
	require.Equal(t, " there", seen[2].Attrs["textDelta"])
	require.Equal(t, "runCompleted", seen[3].Attrs["kind"])
	require.Equal(t, "succeeded", seen[3].Attrs["status"])
}

// TestRunPublishesCancelledOnRunTopic covers spec §8 scenario 4: cancelling
// mid-stream yields a terminal {kind:"runCompleted", status:"cancelled"} on
// the same "run:<runId>" topic, with no commit.
func TestRunPublishesCancelledOnRunTopic(t *testing.T) {
	hub := tracing.NewHub(0)
	tracer := tracing.NewTracer(hub)
	host := &fakeHost{id: "s1"}
	p := New(host, tracer)
	started := make(chan struct{})
	p.Subscribe(BuildPrompt, 0, Once, func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, nil
	})

	_, records, cancel := hub.Subscribe()
	defer cancel()

	run := p.StartRun(context.Background(), "chat", nil)
	<-started
	require.NoError(t, p.Cancel(run.ID))
	waitDone(t, run)

	var terminal *tracing.Record
	for terminal == nil {
		select {
		case rec := <-records:
			if rec.Name == "run:"+run.ID && rec.Attrs["kind"] == "runCompleted" {
				r := rec
				terminal = &r
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for the runCompleted record")
		}
	}

	require.Equal(t, "cancelled", terminal.Attrs["status"])
	require.Equal(t, 0, host.committed)
	require.Equal(t, 1, host.rolledback)
}
