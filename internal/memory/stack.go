package memory

import "fmt"

// Stack is an ordered, top-to-bottom read-through list of layers: typically
// [txn, session, runtime, static, kernel...]. Reads return the first
// non-absent value found walking top to bottom.
type Stack struct {
	layers   []Layer
	resolver *Resolver
}

// NewStack builds a stack from layers ordered top-to-bottom. layers[0] is
// conventionally the session's TransactionalLayer.
func NewStack(resolver *Resolver, layers ...Layer) *Stack {
	return &Stack{layers: layers, resolver: resolver}
}

// Txn returns the top transactional layer, panicking if the stack was not
// built with one at index 0 (a programmer error, not a runtime condition).
func (s *Stack) Txn() *TransactionalLayer {
	txn, ok := s.layers[0].(*TransactionalLayer)
	if !ok {
		panic("memory: stack's top layer is not transactional")
	}
	return txn
}

// Layers returns the ordered layer list (top to bottom).
func (s *Stack) Layers() []Layer { return s.layers }

// Get walks the stack top to bottom, returning the first layer that has an
// entry for key.
func (s *Stack) Get(key string) (MemoryObject, bool) {
	for _, l := range s.layers {
		if obj, ok := l.Get(key); ok {
			return obj, true
		}
	}
	return MemoryObject{}, false
}

// GetByUUID scans the transactional and dict layers for an entry whose UUID
// matches (read-only layers are not searched). Layers are walked top to
// bottom, first match wins.
func (s *Stack) GetByUUID(uuid string) (MemoryObject, bool) {
	for _, l := range s.layers {
		if txn, ok := l.(*TransactionalLayer); ok {
			for _, ch := range txn.Changes() {
				if ch.Obj != nil && ch.Obj.UUID == uuid {
					return *ch.Obj, true
				}
			}
			continue
		}
		dict, ok := l.(*DictLayer)
		if !ok {
			continue
		}
		for _, obj := range dict.Entries() {
			if obj.UUID == uuid {
				return obj, true
			}
		}
	}
	return MemoryObject{}, false
}

// GetByPath scans every layer for an entry whose Path matches.
func (s *Stack) GetByPath(path string) (MemoryObject, bool) {
	for _, l := range s.layers {
		if dict, ok := l.(*DictLayer); ok {
			for _, obj := range dict.Entries() {
				if obj.Path == path {
					return obj, true
				}
			}
		}
	}
	return MemoryObject{}, false
}

// Save stages a write into the transactional layer only (spec §4.1,
// Staged mode). An object saved without a Path gets "<OriginLayer>.<key>"
// when OriginLayer is set, else the "txn.<uuid>" fallback path; OriginLayer
// itself is left unchanged.
func (s *Stack) Save(key string, obj MemoryObject) error {
	txn := s.Txn()
	if obj.Path == "" {
		if obj.OriginLayer != "" {
			obj.Path = obj.OriginLayer + "." + key
		} else {
			obj.Path = "txn." + obj.UUID
		}
	}
	return txn.Set(key, obj)
}

// SavePersistent picks the target layer from key's namespace prefix (via
// the resolver) and writes immediately, bypassing the transactional layer
// entirely (spec §4.1, Direct mode).
func (s *Stack) SavePersistent(key string, obj MemoryObject) error {
	target, ok := s.resolver.PickTargetLayer(key, s.layers[1:])
	if !ok {
		return fmt.Errorf("memory: no writable layer resolved for key %q", key)
	}
	return target.Set(s.resolver.StripNamespace(key), obj)
}

// DeletePersistent mirrors SavePersistent for deletions.
func (s *Stack) DeletePersistent(key string) error {
	target, ok := s.resolver.PickTargetLayer(key, s.layers[1:])
	if !ok {
		return fmt.Errorf("memory: no writable layer resolved for key %q", key)
	}
	return target.Delete(s.resolver.StripNamespace(key))
}
