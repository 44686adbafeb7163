package packs

import (
	"fmt"
	"strings"

	turnixsemver "github.com/turnix/turnix/internal/semver"
)

// Reason records why a descriptor was pulled into an activation plan.
type Reason string

const (
	ReasonRoot        Reason = "root"
	ReasonDependency  Reason = "dependency"
	ReasonRecommended Reason = "recommended"
)

// PlanEntry is one activated pack within a plan, in activation (DFS
// post-order: every dependency before its dependent) order.
type PlanEntry struct {
	Descriptor *Descriptor
	Reason     Reason
	Required   bool
	Depth      int
}

// Planner builds activation plans by walking a pack's declared
// dependencies to closure (spec §4.2, Activation plan).
type Planner struct {
	registry *Registry
}

func NewPlanner(registry *Registry) *Planner {
	return &Planner{registry: registry}
}

// Plan builds the full dependency closure for root, in depth-first order.
// A cycle anywhere in the closure is fatal. A failed hard dependency (an
// entry of Descriptor.Required, where discovery puts every manifest "mods"
// entry) is fatal; a failed recommended dependency (an entry of
// Descriptor.Recommended) is skipped and returned as a warning.
func (p *Planner) Plan(root *Descriptor) ([]PlanEntry, []error, error) {
	var entries []PlanEntry
	var warnings []error
	planned := map[IdentityKey]bool{}
	stack := map[IdentityKey]bool{}

	var visit func(d *Descriptor, reason Reason, required bool, depth int) error
	visit = func(d *Descriptor, reason Reason, required bool, depth int) error {
		ident := d.Identity()
		if stack[ident] {
			return fmt.Errorf("packs: dependency cycle detected at %s/%s", d.EffectiveAuthor, d.PackTreeID)
		}
		if planned[ident] {
			return nil
		}
		stack[ident] = true
		defer delete(stack, ident)

		for _, ref := range d.Required {
			resolved, ok := resolveDependency(p.registry, ref, d.EffectiveAuthor)
			if !ok {
				if required {
					return fmt.Errorf("packs: required dependency %s@%s of %s/%s not found", ref.PackTreeID, ref.RangeOrRef, d.EffectiveAuthor, d.PackTreeID)
				}
				warnings = append(warnings, fmt.Errorf("packs: recommended dependency %s@%s of %s/%s not found, skipping", ref.PackTreeID, ref.RangeOrRef, d.EffectiveAuthor, d.PackTreeID))
				continue
			}
			if err := visit(resolved, ReasonDependency, true, depth+1); err != nil {
				return err
			}
		}

		for _, ref := range d.Recommended {
			resolved, ok := resolveDependency(p.registry, ref, d.EffectiveAuthor)
			if !ok {
				warnings = append(warnings, fmt.Errorf("packs: recommended dependency %s@%s of %s/%s not found, skipping", ref.PackTreeID, ref.RangeOrRef, d.EffectiveAuthor, d.PackTreeID))
				continue
			}
			if err := visit(resolved, ReasonRecommended, false, depth+1); err != nil {
				return err
			}
		}

		planned[ident] = true
		entries = append(entries, PlanEntry{Descriptor: d, Reason: reason, Required: required, Depth: depth})
		return nil
	}

	if err := visit(root, ReasonRoot, true, 0); err != nil {
		return nil, warnings, err
	}
	return entries, warnings, nil
}

// resolveDependency resolves one DependencyRef against the registry. A
// RangeOrRef containing "@" is itself a full PackRefString (author pinned);
// otherwise it is a plain semver range scoped to the same author as the
// dependent pack.
func resolveDependency(registry *Registry, ref DependencyRef, defaultAuthor string) (*Descriptor, bool) {
	if strings.Contains(ref.RangeOrRef, "@") {
		if sel, err := ParsePackRef(ref.RangeOrRef); err == nil {
			return resolveSelector(registry, sel)
		}
	}

	req, err := turnixsemver.ParseRequirement(ref.RangeOrRef)
	if err != nil {
		return nil, false
	}
	ident := IdentityKey{Kind: KindMod, Author: defaultAuthor, PackTreeID: ref.PackTreeID}
	if d, ok := registry.ResolveBest(ident, req); ok {
		return d, true
	}

	// Fall back to any author publishing this packTreeId under any kind,
	// picking the best match if exactly one author is available.
	authors := registry.Authors(ref.PackTreeID)
	if len(authors) == 1 {
		for _, kind := range []Kind{KindMod, KindContent, KindView, KindApp} {
			ident := IdentityKey{Kind: kind, Author: authors[0], PackTreeID: ref.PackTreeID}
			if d, ok := registry.ResolveBest(ident, req); ok {
				return d, true
			}
		}
	}
	return nil, false
}
