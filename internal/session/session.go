// Package session implements the conversation/inference context described
// in spec §4.3: a kind-tagged memory+pipeline owner, constructed only
// through AppInstance.MakeSession.
package session

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/turnix/turnix/internal/logging"
	"github.com/turnix/turnix/internal/memory"
	"github.com/turnix/turnix/internal/pipeline"
	"github.com/turnix/turnix/internal/tracing"
)

// Kind identifies what role a session plays (spec §3, Session).
type Kind string

const (
	Main      Kind = "main"
	Hidden    Kind = "hidden"
	Temporary Kind = "temporary"
	Shell     Kind = "shell"
)

var idPrefix = map[Kind]string{
	Main:      "ms_",
	Hidden:    "hs_",
	Temporary: "ts_",
	Shell:     "sh_",
}

// Visibility controls discoverability by other views (spec §3).
type Visibility string

const (
	Public  Visibility = "public"
	Private Visibility = "private"
)

// Spawner is implemented by the owning AppInstance; it lets a session
// create hidden/temporary children sharing its bottom memory layers
// without the session package importing app (which owns sessions).
type Spawner interface {
	MakeSession(kind Kind, ownerViewID string, visibility Visibility) (*Session, error)
}

// Session is a conversation/inference context: a memory stack, exactly one
// pipeline, and optional owning view + visibility.
//
// Instantiation is always through AppInstance.MakeSession — creating one
// directly bypasses the app's main-session invariant and its shared
// bottom-layer wiring.
type Session struct {
	ID          string
	Kind        Kind
	OwnerViewID string
	Visibility  Visibility

	Memory       *memory.Stack
	Pipeline     *pipeline.Pipeline
	PrivateLayer *memory.DictLayer // this session's own "session.*" namespace, not shared with siblings

	propagator *memory.Propagator
	spawner    Spawner
	tracer     *tracing.Tracer
	autoSave   AutoSaveHook
}

// AutoSaveHook lets the owning AppInstance apply its save policy after a
// successful commit, without this package importing app (the same
// import-cycle problem Spawner solves for session creation).
type AutoSaveHook func(ctx context.Context, private *memory.DictLayer) error

// SetAutoSaveHook installs hook, called once by AppInstance right after
// constructing or restoring the session.
func (s *Session) SetAutoSaveHook(hook AutoSaveHook) { s.autoSave = hook }

// New constructs a Session. bottom is the AppInstance's shared [runtime,
// static, kernel...] stack; New prepends a fresh transactional layer and a
// private dict layer ("session.*" namespace) owned solely by this session.
func New(kind Kind, ownerViewID string, visibility Visibility, bottom []memory.Layer, resolver *memory.Resolver, spawner Spawner, tracer *tracing.Tracer) *Session {
	txn := memory.NewTransactionalLayer("txn")
	private := memory.NewDictLayer("session", 0)
	layers := append([]memory.Layer{txn, private}, bottom...)

	s := &Session{
		ID:           idPrefix[kind] + ulid.Make().String(),
		Kind:         kind,
		OwnerViewID:  ownerViewID,
		Visibility:   visibility,
		Memory:       memory.NewStack(resolver, layers...),
		PrivateLayer: private,
		propagator:   memory.NewPropagator(resolver, tracer),
		spawner:      spawner,
		tracer:       tracer,
	}
	s.Pipeline = pipeline.New(s, tracer)
	return s
}

// SessionID implements pipeline.Host.
func (s *Session) SessionID() string { return s.ID }

// CommitMemory implements pipeline.Host: runs the memory commit protocol
// (spec §4.1) against this session's layer stack, then, on success, gives
// the owning instance's save policy a chance to flush to disk.
func (s *Session) CommitMemory(ctx context.Context) (memory.CommitResult, error) {
	result, err := s.propagator.Commit(ctx, s.Memory.Layers())
	if err != nil {
		return result, err
	}
	if s.autoSave != nil {
		if err := s.autoSave(ctx, s.PrivateLayer); err != nil {
			logging.Warn().Err(err).Str("sessionId", s.ID).Msg("session: auto-save after commit failed")
		}
	}
	return result, nil
}

// RollbackMemory implements pipeline.Host: clears the transactional layer.
func (s *Session) RollbackMemory(ctx context.Context) error {
	return s.propagator.Rollback(ctx, s.Memory.Layers())
}

// Destroy cancels every run still in flight on this session's pipeline and
// blocks until each one's rollback has actually completed, bounded by ctx.
// Resolves spec §9's await-semantics hazard: returning before rollback
// finishes lets a new session reuse the same save directory while the old
// one is still writing to it.
func (s *Session) Destroy(ctx context.Context) error {
	for _, runID := range s.Pipeline.ActiveRunIDs() {
		if err := s.Pipeline.CancelAndWait(ctx, runID); err != nil {
			return fmt.Errorf("session: destroy %q: %w", s.ID, err)
		}
	}
	return nil
}

// SpawnHidden implements pipeline.Host (spec §4.8, createHiddenSession).
func (s *Session) SpawnHidden(ctx context.Context) (pipeline.Host, error) {
	if s.spawner == nil {
		return nil, fmt.Errorf("session: %q has no spawner, cannot create hidden session", s.ID)
	}
	return s.spawner.MakeSession(Hidden, s.OwnerViewID, Private)
}

// SpawnTemporary implements pipeline.Host (spec §4.8, createTemporarySession).
func (s *Session) SpawnTemporary(ctx context.Context) (pipeline.Host, error) {
	if s.spawner == nil {
		return nil, fmt.Errorf("session: %q has no spawner, cannot create temporary session", s.ID)
	}
	return s.spawner.MakeSession(Temporary, "", Public)
}

// Snapshot is the JSON5-serializable view of a session's fields (spec
// §4.3's `state/sessions/<sid>.json5`).
type Snapshot struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	OwnerViewID string     `json:"ownerViewId,omitempty"`
	Visibility  Visibility `json:"visibility"`
}

// ToSnapshot captures the session's non-memory fields for persistence.
func (s *Session) ToSnapshot() Snapshot {
	return Snapshot{ID: s.ID, Kind: s.Kind, OwnerViewID: s.OwnerViewID, Visibility: s.Visibility}
}

// FromSnapshot reconstructs a Session's fields (but not its memory layers —
// callers hydrate Memory separately via memory.Hydrate against the layers
// passed to New).
func FromSnapshot(snap Snapshot, bottom []memory.Layer, resolver *memory.Resolver, spawner Spawner, tracer *tracing.Tracer) *Session {
	txn := memory.NewTransactionalLayer("txn")
	private := memory.NewDictLayer("session", 0)
	layers := append([]memory.Layer{txn, private}, bottom...)

	s := &Session{
		ID:           snap.ID,
		Kind:         snap.Kind,
		OwnerViewID:  snap.OwnerViewID,
		Visibility:   snap.Visibility,
		Memory:       memory.NewStack(resolver, layers...),
		PrivateLayer: private,
		propagator:   memory.NewPropagator(resolver, tracer),
		spawner:      spawner,
		tracer:       tracer,
	}
	s.Pipeline = pipeline.New(s, tracer)
	return s
}
