// Package pipeline implements the staged LLM orchestrator described in
// spec §4.8: a per-session run through an ordered stage list, with a
// per-stage subscriber table, a pluggable engine caller, per-chunk fanout,
// and a transactional commit/rollback boundary on the owning session's
// memory stack.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/turnix/turnix/internal/event"
	"github.com/turnix/turnix/internal/memory"
	"github.com/turnix/turnix/internal/tracing"
)

const (
	engineCallRetries             = 3
	engineCallRetryInitialBackoff = 250 * time.Millisecond
	engineCallRetryMaxBackoff     = 5 * time.Second
)

// newEngineCallBackoff returns an exponential backoff with jitter for
// transient EngineCaller.Call failures, matching the retry shape the
// teacher's agentic loop uses for provider calls.
func newEngineCallBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = engineCallRetryInitialBackoff
	b.MaxInterval = engineCallRetryMaxBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, engineCallRetries), ctx)
}

// Stage names the pipeline's fixed processing steps (spec §4.8).
type Stage string

const (
	PrepareInput          Stage = "PrepareInput"
	BuildQueryItems       Stage = "BuildQueryItems"
	FilterQueryItems      Stage = "FilterQueryItems"
	BuildPrompt           Stage = "BuildPrompt"
	EngineCall            Stage = "EngineCall"
	ParseStreamedResponse Stage = "ParseStreamedResponse"
	ParseResponse         Stage = "ParseResponse"
	UpdateQueryItems      Stage = "UpdateQueryItems"
	Finalize              Stage = "Finalize"
)

// DefaultStages is the stage order every run walks unless a Pipeline is
// constructed with a custom ordering.
var DefaultStages = []Stage{
	PrepareInput, BuildQueryItems, FilterQueryItems, BuildPrompt,
	EngineCall, ParseStreamedResponse, ParseResponse, UpdateQueryItems, Finalize,
}

// Mode controls how a stage subscriber is invoked.
type Mode string

const (
	// Once invokes the handler a single time per run, with payload nil.
	Once Mode = "once"
	// PerChunk invokes the handler once per streamed chunk, payload the chunk.
	PerChunk Mode = "perChunk"
)

// Status is a run's terminal or in-flight state.
type Status string

const (
	Running   Status = "running"
	Succeeded Status = "succeeded"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Handler is a stage subscriber. A non-nil returned map is shallow-merged
// into the run's context; a returned error aborts the remaining stages.
type Handler func(ctx context.Context, run *Run, payload map[string]any) (map[string]any, error)

// Chunk is one unit streamed back by an EngineCaller.
type Chunk map[string]any

// EngineCaller is set by the active LLM driver mod; it answers the
// EngineCall stage with a channel of streamed chunks.
type EngineCaller interface {
	Call(ctx context.Context, run *Run) (<-chan Chunk, error)
}

// Host is implemented by the owning session: the pipeline commits/rolls
// back through it and spawns hidden/temporary child sessions through it,
// without importing the session package (avoids an import cycle).
type Host interface {
	SessionID() string
	CommitMemory(ctx context.Context) (memory.CommitResult, error)
	RollbackMemory(ctx context.Context) error
	SpawnHidden(ctx context.Context) (Host, error)
	SpawnTemporary(ctx context.Context) (Host, error)
}

type subscription struct {
	id       string
	priority int
	mode     Mode
	handler  Handler
}

// Pipeline is owned by exactly one session (spec §4.3, "exactly one
// pipeline").
type Pipeline struct {
	mu sync.RWMutex

	host   Host
	tracer *tracing.Tracer

	stages []Stage
	subs   map[Stage][]subscription
	nextID uint64

	engineCaller           EngineCaller
	engineCallBeforeFanout bool

	runs map[string]*Run
}

// New constructs a Pipeline over host using DefaultStages.
func New(host Host, tracer *tracing.Tracer) *Pipeline {
	return &Pipeline{
		host:   host,
		tracer: tracer,
		stages: append([]Stage{}, DefaultStages...),
		subs:   map[Stage][]subscription{},
		runs:   map[string]*Run{},
	}
}

// SetEngineCaller installs the engine caller used by the EngineCall stage.
// beforeFanout true consumes the engine stream before the stage's `once`
// handlers run; false runs those handlers first (spec §4.8).
func (p *Pipeline) SetEngineCaller(caller EngineCaller, beforeFanout bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.engineCaller = caller
	p.engineCallBeforeFanout = beforeFanout
}

// Subscribe registers handler at stage with the given priority and mode.
// Returns a subscription id and an unsubscribe func.
func (p *Pipeline) Subscribe(stage Stage, priority int, mode Mode, handler Handler) (string, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("sub_%d", p.nextID)
	p.subs[stage] = append(p.subs[stage], subscription{id: id, priority: priority, mode: mode, handler: handler})

	return id, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		list := p.subs[stage]
		for i, s := range list {
			if s.id == id {
				p.subs[stage] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
}

func (p *Pipeline) subscribersFor(stage Stage, mode Mode) []subscription {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []subscription
	for _, s := range p.subs[stage] {
		if s.mode == mode {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

// Run is one execution of the pipeline's stage sequence.
type Run struct {
	ID     string
	Kind   string
	status atomic.Value // Status

	mu     sync.Mutex
	ctxVal map[string]any

	cancel context.CancelFunc
	done   chan struct{}

	bus      *localBus
	tracer   *tracing.Tracer
	traceCtx context.Context
}

// Status returns the run's current status.
func (r *Run) Status() Status {
	if v, ok := r.status.Load().(Status); ok {
		return v
	}
	return Running
}

func (r *Run) setStatus(s Status) { r.status.Store(s) }

// Context returns a snapshot copy of the run's runCtx.
func (r *Run) Context() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.ctxVal))
	for k, v := range r.ctxVal {
		out[k] = v
	}
	return out
}

func (r *Run) merge(patch map[string]any) {
	if patch == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range patch {
		r.ctxVal[k] = v
	}
}

// Fail marks the run context with an explicit failure reason; the current
// stage still observes its handler's returned error to stop the run.
func (r *Run) Fail(reason string) {
	r.merge(map[string]any{"failureReason": reason})
}

// Done returns the run's completion channel, closed once terminal.
func (r *Run) Done() <-chan struct{} { return r.done }

// localBus is the run-scoped topic pub/sub described in spec §4.8.
type localBus struct {
	mu   sync.Mutex
	subs map[string][]chan any
}

func newLocalBus() *localBus { return &localBus{subs: map[string][]chan any{}} }

// Subscribe returns a buffered channel receiving every Publish on topic.
func (b *localBus) Subscribe(topic string) <-chan any {
	ch := make(chan any, 32)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish fans payload out to every subscriber of topic, non-blocking.
func (b *localBus) Publish(topic string, payload any) {
	b.mu.Lock()
	chans := append([]chan any{}, b.subs[topic]...)
	b.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Subscribe exposes the run's local topic bus to stage handlers and
// capabilities holding a reference to the run (e.g. chat.thread@1 fanout).
func (r *Run) Subscribe(topic string) <-chan any { return r.bus.Subscribe(topic) }

// Publish fans payload out on the run's local topic bus and additionally
// republishes as a process-wide trace-visible event under `"run:<runId>"`
// (spec §8 scenarios 3-4: `{kind:"runStarted"}`, per-chunk deltas,
// `{kind:"runCompleted", status:...}` are all observable this way, not just
// to in-process localBus subscribers holding a *Run).
func (r *Run) Publish(topic string, payload any) {
	r.bus.Publish(topic, payload)
	if r.tracer == nil {
		return
	}
	attrs, ok := payload.(map[string]any)
	if !ok {
		attrs = map[string]any{"payload": payload}
	}
	r.tracer.TraceEvent(r.traceCtx, "run:"+r.ID, attrs)
}

// StartRun creates a Run and drives it through every stage in a background
// goroutine, returning immediately (spec §4.8, "background task").
func (p *Pipeline) StartRun(ctx context.Context, kind string, initialInput map[string]any) *Run {
	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ID:     "run_" + ulid.Make().String(),
		Kind:   kind,
		ctxVal: map[string]any{"input": initialInput},
		cancel: cancel,
		done:   make(chan struct{}),
		bus:    newLocalBus(),
		tracer: p.tracer,
	}
	run.setStatus(Running)

	p.mu.Lock()
	p.runs[run.ID] = run
	p.mu.Unlock()

	event.Publish(event.Event{
		Type: event.RunStarted,
		Data: event.RunStartedData{SessionID: p.host.SessionID(), RunID: run.ID, Kind: kind},
	})

	go p.drive(runCtx, run)
	return run
}

// ActiveRunIDs returns the ids of runs still in flight, for a session
// owner to cancel when it is torn down (spec §4.3, DestroySession).
func (p *Pipeline) ActiveRunIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	return ids
}

// Cancel cancels a run's context; the background driver observes it,
// rolls back, and marks the run cancelled.
func (p *Pipeline) Cancel(runID string) error {
	p.mu.RLock()
	run, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pipeline: run %q not found", runID)
	}
	run.cancel()
	return nil
}

// CancelAndWait cancels runID and blocks until its driver goroutine has
// finished rolling back and published its terminal event, or ctx is done
// first. Used by Session.Destroy so a torn-down session can never race a
// still-in-flight rollback against reuse of the same save directory.
func (p *Pipeline) CancelAndWait(ctx context.Context, runID string) error {
	p.mu.RLock()
	run, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("pipeline: run %q not found", runID)
	}
	run.cancel()

	select {
	case <-run.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) drive(ctx context.Context, run *Run) {
	var tracerSpan *tracing.Span
	if p.tracer != nil {
		ctx, tracerSpan = p.tracer.StartSpan(tracing.WithRunID(ctx, run.ID), "pipeline.run", "pipeline")
		defer tracerSpan.End()
	}
	run.traceCtx = ctx
	run.Publish("lifecycle", map[string]any{"kind": "runStarted"})

	stages := p.stages
	var runErr error

stageLoop:
	for _, stage := range stages {
		select {
		case <-ctx.Done():
			run.setStatus(Cancelled)
			break stageLoop
		default:
		}

		if stage == EngineCall {
			if err := p.runEngineCall(ctx, run); err != nil {
				runErr = err
				run.setStatus(Failed)
				break stageLoop
			}
			continue
		}
		if stage == ParseStreamedResponse {
			// Chunks are delivered as the EngineCall stage streams; no
			// direct fanout here (spec §4.8 step 2).
			continue
		}

		for _, sub := range p.subscribersFor(stage, Once) {
			patch, err := sub.handler(ctx, run, nil)
			if err != nil {
				runErr = err
				run.setStatus(Failed)
				break stageLoop
			}
			run.merge(patch)
		}

		select {
		case <-ctx.Done():
			run.setStatus(Cancelled)
			break stageLoop
		default:
		}
	}

	p.terminalize(ctx, run, runErr)
}

func (p *Pipeline) runEngineCall(ctx context.Context, run *Run) error {
	p.mu.RLock()
	caller := p.engineCaller
	beforeFanout := p.engineCallBeforeFanout
	p.mu.RUnlock()

	fanoutOnce := func() error {
		for _, sub := range p.subscribersFor(EngineCall, Once) {
			patch, err := sub.handler(ctx, run, nil)
			if err != nil {
				return err
			}
			run.merge(patch)
		}
		return nil
	}

	if caller == nil {
		return fanoutOnce()
	}

	if !beforeFanout {
		if err := fanoutOnce(); err != nil {
			return err
		}
	}

	var chunks <-chan Chunk
	err := backoff.Retry(func() error {
		var callErr error
		chunks, callErr = caller.Call(ctx, run)
		return callErr
	}, newEngineCallBackoff(ctx))
	if err != nil {
		return err
	}

	chunkErrors := []string{}
	perChunkSubs := p.subscribersFor(ParseStreamedResponse, PerChunk)
streamLoop:
	for {
		select {
		case <-ctx.Done():
			break streamLoop
		case chunk, ok := <-chunks:
			if !ok {
				break streamLoop
			}
			run.Publish("chunk", map[string]any(chunk))
			for _, sub := range perChunkSubs {
				patch, err := sub.handler(ctx, run, chunk)
				if err != nil {
					chunkErrors = append(chunkErrors, err.Error())
					continue
				}
				run.merge(patch)
			}
		}
	}
	if len(chunkErrors) > 0 {
		run.merge(map[string]any{"chunkErrors": chunkErrors})
	}

	if beforeFanout {
		if err := fanoutOnce(); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) terminalize(ctx context.Context, run *Run, runErr error) {
	status := run.Status()
	if status == Running {
		if runErr != nil {
			status = Failed
		} else {
			status = Succeeded
		}
		run.setStatus(status)
	}

	switch status {
	case Succeeded:
		if _, err := p.host.CommitMemory(ctx); err != nil {
			_ = p.host.RollbackMemory(ctx)
			run.setStatus(Failed)
			status = Failed
		}
	case Failed, Cancelled:
		_ = p.host.RollbackMemory(ctx)
	}

	event.Publish(event.Event{
		Type: event.RunCompleted,
		Data: event.RunCompletedData{SessionID: p.host.SessionID(), RunID: run.ID, Status: string(status)},
	})
	run.Publish("lifecycle", map[string]any{"kind": "runCompleted", "status": string(status)})

	p.mu.Lock()
	delete(p.runs, run.ID)
	p.mu.Unlock()

	close(run.done)
}
