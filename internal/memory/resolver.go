package memory

import "strings"

// Resolver maps a key's namespace prefix ("session.", "runtime.", ...) to
// the name of the layer that should own it, per spec §4.1. Unprefixed keys
// resolve to the topmost writable layer passed to PickTargetLayer.
type Resolver struct {
	// namespaces maps a prefix (without the trailing dot) to a layer name.
	namespaces map[string]string
}

// NewResolver builds a resolver from a namespace-prefix -> layer-name map,
// e.g. {"session": "session", "runtime": "runtime", "chat": "session"}.
func NewResolver(namespaces map[string]string) *Resolver {
	copied := make(map[string]string, len(namespaces))
	for k, v := range namespaces {
		copied[k] = v
	}
	return &Resolver{namespaces: copied}
}

// Normalize trims surrounding whitespace from a key for namespace matching;
// case is preserved.
func Normalize(key string) string {
	return strings.TrimSpace(key)
}

// namespaceOf returns the first dot-delimited segment of key, or "" if key
// has no dot.
func namespaceOf(key string) string {
	if idx := strings.IndexByte(key, '.'); idx > 0 {
		return key[:idx]
	}
	return ""
}

// StripNamespace removes a leading "<namespace>." from key, if key's
// namespace is registered with the resolver. Unregistered prefixes (or keys
// with no prefix) are returned unchanged.
func (r *Resolver) StripNamespace(key string) string {
	ns := namespaceOf(key)
	if ns == "" {
		return key
	}
	if _, ok := r.namespaces[ns]; !ok {
		return key
	}
	return key[len(ns)+1:]
}

// LayerNameFor returns the layer name that owns key's namespace, and
// whether the namespace was registered.
func (r *Resolver) LayerNameFor(key string) (string, bool) {
	ns := namespaceOf(key)
	if ns == "" {
		return "", false
	}
	name, ok := r.namespaces[ns]
	return name, ok
}

// PickTargetLayer resolves the concrete layer for key among layers,
// falling back to the topmost writable layer in layers when key carries no
// registered namespace prefix.
func (r *Resolver) PickTargetLayer(key string, layers []Layer) (Layer, bool) {
	if name, ok := r.LayerNameFor(key); ok {
		for _, l := range layers {
			if l.Name() == name {
				return l, true
			}
		}
		return nil, false
	}
	for _, l := range layers {
		if l.CanWrite() {
			return l, true
		}
	}
	return nil, false
}
