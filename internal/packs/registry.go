package packs

import (
	"fmt"

	turnixsemver "github.com/turnix/turnix/internal/semver"
)

// Registry indexes discovered descriptors by packTreeId and by the full
// (kind, author, packTreeId) identity, and resolves ranges against them
// (spec §4.2, Resolution).
type Registry struct {
	byTreeID map[string][]*Descriptor
	byIdent  map[IdentityKey][]*Descriptor
	seen     map[FullIdentityKey]bool
	all      []*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byTreeID: map[string][]*Descriptor{},
		byIdent:  map[IdentityKey][]*Descriptor{},
		seen:     map[FullIdentityKey]bool{},
	}
}

// Add indexes one descriptor. Two descriptors sharing the same full
// identity (kind, author, packTreeId, version, layer) are a discovery-time
// duplicate and rejected (spec §3 invariant).
func (r *Registry) Add(d *Descriptor) error {
	full := d.FullIdentity()
	if r.seen[full] {
		return fmt.Errorf("packs: duplicate pack %s/%s@%s in layer %s", d.EffectiveAuthor, d.PackTreeID, d.EffectiveVersion, d.Layer)
	}
	r.seen[full] = true

	r.byTreeID[d.PackTreeID] = append(r.byTreeID[d.PackTreeID], d)
	ident := d.Identity()
	r.byIdent[ident] = append(r.byIdent[ident], d)
	r.all = append(r.all, d)
	return nil
}

// AddAll indexes every descriptor in turn, stopping at the first error.
func (r *Registry) AddAll(descs []*Descriptor) error {
	for _, d := range descs {
		if err := r.Add(d); err != nil {
			return err
		}
	}
	return nil
}

// ByPackTreeID returns every descriptor sharing a packTreeId, regardless of
// author or kind.
func (r *Registry) ByPackTreeID(packTreeID string) []*Descriptor {
	return r.byTreeID[packTreeID]
}

// Authors returns the distinct authors publishing a given packTreeId,
// used to detect ambiguous selectors.
func (r *Registry) Authors(packTreeID string) []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range r.byTreeID[packTreeID] {
		if !seen[d.EffectiveAuthor] {
			seen[d.EffectiveAuthor] = true
			out = append(out, d.EffectiveAuthor)
		}
	}
	return out
}

// ResolveBest implements spec §4.2's resolution algorithm: among
// descriptors matching (kind, author, packTreeId), pick the highest
// version satisfying req; ties preserve input (layer-scan) order so a
// save-layer pack wins over a lower one.
func (r *Registry) ResolveBest(ident IdentityKey, req *turnixsemver.Requirement) (*Descriptor, bool) {
	candidates := r.byIdent[ident]
	if len(candidates) == 0 {
		return nil, false
	}

	wrapped := make([]turnixsemver.Candidate[*Descriptor], 0, len(candidates))
	for _, d := range candidates {
		wrapped = append(wrapped, turnixsemver.Candidate[*Descriptor]{Version: d.ParsedVersion, Value: d})
	}

	best, ok := turnixsemver.Best(wrapped, req)
	if !ok {
		return nil, false
	}
	return best.Value, true
}

// All returns every indexed descriptor, in insertion (scan) order.
func (r *Registry) All() []*Descriptor {
	return r.all
}
