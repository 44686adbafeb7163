package view

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
)

// tokenKey identifies a (viewId, clientId) pair's credential.
type tokenKey struct {
	ViewID   string
	ClientID string
}

// Registry binds clientId -> viewId (1:1), mints/validates viewTokens, and
// owns the View instances (spec §4.4).
type Registry struct {
	mu sync.RWMutex

	viewsByID       map[string]*View
	bindingByClient map[string]string
	tokens          map[tokenKey]string
	defaultViewOpts []Option
}

// NewRegistry constructs an empty registry. defaultOpts are applied to
// every View the registry creates (e.g. WithTracer).
func NewRegistry(defaultOpts ...Option) *Registry {
	return &Registry{
		viewsByID:       map[string]*View{},
		bindingByClient: map[string]string{},
		tokens:          map[tokenKey]string{},
		defaultViewOpts: defaultOpts,
	}
}

// NewClientID mints a fresh 12-hex-character client id (spec §6,
// `Set-Cookie: clientId=<12-hex>`).
func NewClientID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("view: mint clientId: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func mintViewToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("view: mint viewToken: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GetOrCreateForClient returns the View bound to clientId, creating one
// (and minting a fresh token) if none exists yet. An existing binding gets
// its token rotated, matching "viewToken ... rotated per bootstrap".
func (r *Registry) GetOrCreateForClient(clientID string, opts ...Option) (*View, string, error) {
	if clientID == "" {
		return nil, "", fmt.Errorf("view: clientId must be non-empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var v *View
	if viewID, ok := r.bindingByClient[clientID]; ok {
		v, ok = r.viewsByID[viewID]
		if !ok {
			return nil, "", fmt.Errorf("view: invariant violation, binding for clientId %q points to missing view %q", clientID, viewID)
		}
	} else {
		allOpts := append(append([]Option{}, r.defaultViewOpts...), opts...)
		v = New(allOpts...)
		r.viewsByID[v.id] = v
		r.bindingByClient[clientID] = v.id
	}

	token, err := mintViewToken()
	if err != nil {
		return nil, "", err
	}
	r.tokens[tokenKey{ViewID: v.id, ClientID: clientID}] = token
	return v, token, nil
}

// IssueToken mints and stores a fresh token for an existing (viewId,
// clientId) pair without touching the client->view binding.
func (r *Registry) IssueToken(viewID, clientID string) (string, error) {
	if viewID == "" || clientID == "" {
		return "", fmt.Errorf("view: viewId and clientId must be non-empty")
	}
	token, err := mintViewToken()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.tokens[tokenKey{ViewID: viewID, ClientID: clientID}] = token
	r.mu.Unlock()
	return token, nil
}

// RevokeToken drops the stored token for (viewId, clientId), if any.
func (r *Registry) RevokeToken(viewID, clientID string) {
	r.mu.Lock()
	delete(r.tokens, tokenKey{ViewID: viewID, ClientID: clientID})
	r.mu.Unlock()
}

// ValidateToken performs a timing-safe comparison of token against the
// stored credential for (viewId, clientId) (spec §4.4, "validation is
// timing-safe").
func (r *Registry) ValidateToken(viewID, clientID, token string) bool {
	if viewID == "" || clientID == "" || token == "" {
		return false
	}
	r.mu.RLock()
	stored, ok := r.tokens[tokenKey{ViewID: viewID, ClientID: clientID}]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}

// ByID looks up a view by id.
func (r *Registry) ByID(viewID string) (*View, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.viewsByID[viewID]
	return v, ok
}

// BindClientToView force-binds clientId to viewId, creating the view if it
// does not already exist. Any token previously issued for the client's old
// binding is revoked.
func (r *Registry) BindClientToView(clientID, viewID string, opts ...Option) error {
	if clientID == "" || viewID == "" {
		return fmt.Errorf("view: clientId and viewId must be non-empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.bindingByClient[clientID]; ok && old != viewID {
		delete(r.tokens, tokenKey{ViewID: old, ClientID: clientID})
	}
	r.bindingByClient[clientID] = viewID
	if _, ok := r.viewsByID[viewID]; !ok {
		allOpts := append(append([]Option{}, r.defaultViewOpts...), opts...)
		allOpts = append(allOpts, WithID(viewID))
		r.viewsByID[viewID] = New(allOpts...)
	}
	return nil
}

// UnbindClient removes the clientId binding and any associated token.
// Returns true if a binding existed.
func (r *Registry) UnbindClient(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	viewID, ok := r.bindingByClient[clientID]
	if !ok {
		return false
	}
	delete(r.bindingByClient, clientID)
	delete(r.tokens, tokenKey{ViewID: viewID, ClientID: clientID})
	return true
}

// DestroyView removes a view and every client binding/token pointing at it.
// Returns true if the view existed.
func (r *Registry) DestroyView(viewID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.viewsByID[viewID]; !ok {
		return false
	}
	delete(r.viewsByID, viewID)
	for clientID, vid := range r.bindingByClient {
		if vid == viewID {
			delete(r.bindingByClient, clientID)
			delete(r.tokens, tokenKey{ViewID: viewID, ClientID: clientID})
		}
	}
	return true
}
