package memory

import (
	"context"
	"fmt"

	"github.com/turnix/turnix/internal/tracing"
)

// CommitResult reports how many sets/deletes landed on each target layer
// during a Commit, for observability and tests.
type CommitResult struct {
	// Counts[layerName]["set"|"delete"] = count
	Counts map[string]map[string]int
}

func (r *CommitResult) record(layer, op string) {
	if r.Counts == nil {
		r.Counts = make(map[string]map[string]int)
	}
	if r.Counts[layer] == nil {
		r.Counts[layer] = make(map[string]int)
	}
	r.Counts[layer][op]++
}

// Propagator applies a TransactionalLayer's staged changes onto the
// remaining layers in a stack (Commit), or discards them (Rollback), per
// spec §4.1's commit protocol.
type Propagator struct {
	resolver *Resolver
	tracer   *tracing.Tracer
}

// NewPropagator builds a Propagator. tracer may be nil to skip span
// instrumentation (e.g. in unit tests that don't care about tracing).
func NewPropagator(resolver *Resolver, tracer *tracing.Tracer) *Propagator {
	return &Propagator{resolver: resolver, tracer: tracer}
}

// Commit requires layers[0] to be the TransactionalLayer. Every staged
// change is applied, in order, to the layer resolved from its key's
// namespace among layers[1:]; the txn is then cleared. An empty txn is a
// no-op that still clears (harmlessly) and returns a zero CommitResult.
func (p *Propagator) Commit(ctx context.Context, layers []Layer) (CommitResult, error) {
	txn, ok := layers[0].(*TransactionalLayer)
	if !ok {
		return CommitResult{}, fmt.Errorf("memory: commit requires a transactional layer at index 0")
	}

	if p.tracer != nil {
		var span *tracing.Span
		ctx, span = p.tracer.StartSpan(ctx, "memory.commit")
		defer span.End()
	}

	result := CommitResult{}
	for _, ch := range txn.Changes() {
		target, ok := p.resolver.PickTargetLayer(ch.Key, layers[1:])
		if !ok {
			return result, fmt.Errorf("memory: commit could not resolve a target layer for key %q", ch.Key)
		}
		strippedKey := p.resolver.StripNamespace(ch.Key)

		if ch.Obj == nil {
			if err := target.Delete(strippedKey); err != nil {
				return result, fmt.Errorf("memory: commit delete on layer %q failed: %w", target.Name(), err)
			}
			result.record(target.Name(), "delete")
			continue
		}

		if err := target.Set(strippedKey, *ch.Obj); err != nil {
			return result, fmt.Errorf("memory: commit set on layer %q failed: %w", target.Name(), err)
		}
		result.record(target.Name(), "set")
	}

	txn.Clear()

	if p.tracer != nil {
		p.tracer.TraceEvent(ctx, "memory.committed", map[string]any{"layers": len(result.Counts)})
	}

	return result, nil
}

// Rollback clears the transactional layer's staged writes without applying
// them anywhere.
func (p *Propagator) Rollback(ctx context.Context, layers []Layer) error {
	txn, ok := layers[0].(*TransactionalLayer)
	if !ok {
		return fmt.Errorf("memory: rollback requires a transactional layer at index 0")
	}

	if p.tracer != nil {
		_, span := p.tracer.StartSpan(ctx, "memory.rollback")
		defer span.End()
	}

	txn.Clear()
	return nil
}
