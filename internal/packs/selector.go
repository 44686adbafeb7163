package packs

import (
	"fmt"
	"strings"

	turnixsemver "github.com/turnix/turnix/internal/semver"
)

// Selector is a parsed PackRefString: [<author>"@"]<packTreeId>["@"<range>]
// (spec §6, Pack references).
type Selector struct {
	Author     string
	PackTreeID string
	Range      string
}

// ParsePackRef parses a PackRefString. At most two "@" separators are
// permitted (author@id@range); a selector containing "://" is rejected
// since pack references are never URIs.
func ParsePackRef(s string) (Selector, error) {
	if strings.Contains(s, "://") {
		return Selector{}, fmt.Errorf("packs: pack reference %q looks like a URI, not a PackRefString", s)
	}

	parts := strings.Split(s, "@")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Selector{}, fmt.Errorf("packs: empty pack reference")
		}
		return Selector{PackTreeID: parts[0]}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return Selector{}, fmt.Errorf("packs: malformed pack reference %q", s)
		}
		// Ambiguous between "author@id" and "id@range"; ResolveSelector
		// first tries it as author@id and falls back to id@range when
		// that finds no pack.
		return Selector{Author: parts[0], PackTreeID: parts[1]}, nil
	case 3:
		if parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return Selector{}, fmt.Errorf("packs: malformed pack reference %q", s)
		}
		return Selector{Author: parts[0], PackTreeID: parts[1], Range: parts[2]}, nil
	default:
		return Selector{}, fmt.Errorf("packs: pack reference %q has too many \"@\" segments", s)
	}
}

// ErrAmbiguousSelector is returned when a selector omits the author and
// more than one author publishes the named packTreeId.
type ErrAmbiguousSelector struct {
	PackTreeID string
	Authors    []string
}

func (e *ErrAmbiguousSelector) Error() string {
	return fmt.Sprintf("packs: pack reference %q is ambiguous between authors %v", e.PackTreeID, e.Authors)
}

// resolveSelector resolves a Selector against the registry, scanning every
// Kind since a bare selector does not name one.
func resolveSelector(registry *Registry, sel Selector) (*Descriptor, bool) {
	author := sel.Author
	if author == "" {
		authors := registry.Authors(sel.PackTreeID)
		if len(authors) > 1 {
			return nil, false
		}
		if len(authors) == 1 {
			author = authors[0]
		}
	}

	req, err := turnixsemver.ParseRequirement(sel.Range)
	if err != nil {
		return nil, false
	}

	for _, kind := range []Kind{KindMod, KindContent, KindView, KindApp, KindSave} {
		ident := IdentityKey{Kind: kind, Author: author, PackTreeID: sel.PackTreeID}
		if d, ok := registry.ResolveBest(ident, req); ok {
			return d, true
		}
	}
	return nil, false
}

// ResolveSelector resolves a raw PackRefString against the registry,
// surfacing ErrAmbiguousSelector when the author is omitted and more than
// one author publishes the packTreeId.
func ResolveSelector(registry *Registry, raw string) (*Descriptor, error) {
	sel, err := ParsePackRef(raw)
	if err != nil {
		return nil, err
	}

	if sel.Author == "" {
		if authors := registry.Authors(sel.PackTreeID); len(authors) > 1 {
			return nil, &ErrAmbiguousSelector{PackTreeID: sel.PackTreeID, Authors: authors}
		}
	}

	d, ok := resolveSelector(registry, sel)
	if !ok && sel.Author != "" && sel.Range == "" {
		d, ok = resolveSelector(registry, Selector{PackTreeID: sel.Author, Range: sel.PackTreeID})
	}
	if !ok {
		return nil, fmt.Errorf("packs: no pack matches reference %q", raw)
	}
	return d, nil
}
