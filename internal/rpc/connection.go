package rpc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// maxReplyCache bounds the idempotency/reply cache; once it overflows, the
// oldest quarter is pruned (spec §4.5, "bounded, not unbounded growth").
const maxReplyCache = 512

// clientReadyGenSoftCap and clientReadyGenKeep bound the set of generations
// a client has announced ready; once it overflows 256 entries only the most
// recent 64 are kept.
const (
	clientReadyGenSoftCap = 256
	clientReadyGenKeep    = 64
)

// Connection is the server-side state for one (viewId, clientId) socket:
// its current generation, idempotency/reply caches, in-flight request and
// subscription bookkeeping, and heartbeat tracking (spec §4.5).
type Connection struct {
	ViewID   string
	ClientID string

	mu sync.Mutex

	gen Gen

	// idempotencyOrder/replies implement the bounded request-id -> reply
	// cache: replaying a request with an already-seen idempotencyKey
	// returns the cached reply instead of re-running the handler.
	idempotencyOrder []string
	replies          map[string]Message

	pending       map[string]func() // request id -> cancel
	subscriptions map[string]func() // subscription id -> cancel

	clientReadyGens map[int]struct{}
	clientReadyOrder []int

	lastHeartbeat time.Time
}

// NewConnection mints a fresh generation salt for a newly handshaken
// connection.
func NewConnection(viewID, clientID string) (*Connection, error) {
	salt, err := randomSalt()
	if err != nil {
		return nil, err
	}
	return &Connection{
		ViewID:          viewID,
		ClientID:        clientID,
		gen:             Gen{Num: 1, Salt: salt},
		replies:         map[string]Message{},
		pending:         map[string]func(){},
		subscriptions:   map[string]func(){},
		clientReadyGens: map[int]struct{}{},
		lastHeartbeat:   time.Now(),
	}, nil
}

func randomSalt() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("rpc: mint generation salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Generation returns the connection's current (num, salt) pair.
func (c *Connection) Generation() Gen {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Reconnect bumps the generation number, re-rolls the salt, and drops the
// client-ready set from the previous generation (spec §4.5, resume on a
// fresh socket for the same client).
func (c *Connection) Reconnect() (Gen, error) {
	salt, err := randomSalt()
	if err != nil {
		return Gen{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen = Gen{Num: c.gen.Num + 1, Salt: salt}
	c.clientReadyGens = map[int]struct{}{}
	c.clientReadyOrder = nil
	return c.gen, nil
}

// IsStale reports whether gen is older than the connection's current
// generation (same salt required; a different salt means a different
// handshake lineage entirely and is never considered fresh).
func (c *Connection) IsStale(gen Gen) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen.Salt != c.gen.Salt {
		return true
	}
	return gen.Num < c.gen.Num
}

// MarkClientReady records that the client has acknowledged generation num,
// pruning down to the most recent clientReadyGenKeep entries once the set
// grows past clientReadyGenSoftCap.
func (c *Connection) MarkClientReady(num int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clientReadyGens[num]; ok {
		return
	}
	c.clientReadyGens[num] = struct{}{}
	c.clientReadyOrder = append(c.clientReadyOrder, num)
	if len(c.clientReadyOrder) > clientReadyGenSoftCap {
		drop := c.clientReadyOrder[:len(c.clientReadyOrder)-clientReadyGenKeep]
		for _, n := range drop {
			delete(c.clientReadyGens, n)
		}
		c.clientReadyOrder = append([]int(nil), c.clientReadyOrder[len(c.clientReadyOrder)-clientReadyGenKeep:]...)
	}
}

// IsClientReady reports whether the client has acknowledged generation num.
func (c *Connection) IsClientReady(num int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.clientReadyGens[num]
	return ok
}

// CachedReply returns a previously recorded reply for idempotencyKey, if
// any (spec §4.5, "replaying a request id returns the cached reply").
func (c *Connection) CachedReply(idempotencyKey string) (Message, bool) {
	if idempotencyKey == "" {
		return Message{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	reply, ok := c.replies[idempotencyKey]
	return reply, ok
}

// RememberReply stores reply under idempotencyKey, pruning the oldest
// quarter of the cache once it overflows maxReplyCache.
func (c *Connection) RememberReply(idempotencyKey string, reply Message) {
	if idempotencyKey == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.replies[idempotencyKey]; !ok {
		c.idempotencyOrder = append(c.idempotencyOrder, idempotencyKey)
	}
	c.replies[idempotencyKey] = reply

	if len(c.idempotencyOrder) > maxReplyCache {
		prune := len(c.idempotencyOrder) / 4
		for _, key := range c.idempotencyOrder[:prune] {
			delete(c.replies, key)
		}
		c.idempotencyOrder = append([]string(nil), c.idempotencyOrder[prune:]...)
	}
}

// RegisterPending tracks a cancel func for an in-flight request, keyed by
// its message id, so a later "cancel" frame can stop it.
func (c *Connection) RegisterPending(id string, cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[id] = cancel
}

// ResolvePending removes and returns the cancel func for id, if present.
func (c *Connection) ResolvePending(id string) (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cancel, ok := c.pending[id]
	delete(c.pending, id)
	return cancel, ok
}

// CancelPending cancels and removes the in-flight request tracked under id.
func (c *Connection) CancelPending(id string) bool {
	cancel, ok := c.ResolvePending(id)
	if ok {
		cancel()
	}
	return ok
}

// RegisterSubscription tracks a cancel func for a live subscription, keyed
// by its message id.
func (c *Connection) RegisterSubscription(id string, cancel func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[id] = cancel
}

// CancelSubscription cancels and removes a tracked subscription.
func (c *Connection) CancelSubscription(id string) bool {
	c.mu.Lock()
	cancel, ok := c.subscriptions[id]
	delete(c.subscriptions, id)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every pending request and live subscription, called
// when the socket closes.
func (c *Connection) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	subs := c.subscriptions
	c.pending = map[string]func(){}
	c.subscriptions = map[string]func(){}
	c.mu.Unlock()

	for _, cancel := range pending {
		cancel()
	}
	for _, cancel := range subs {
		cancel()
	}
}

// Touch records a heartbeat arrival.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the last recorded heartbeat time.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Manager owns every live Connection, keyed by (viewId, clientId).
type Manager struct {
	mu    sync.Mutex
	byKey map[string]*Connection
}

func NewManager() *Manager {
	return &Manager{byKey: map[string]*Connection{}}
}

// connKey identifies a Connection by (viewId, clientId) only. The original
// keyed by (viewId, clientId, sessionId), but every call site passed the
// same literal "session-1" for sessionId — a placeholder single-session
// constant, never a real per-request value — so the third component never
// varied and carried no identity. Dropping it collapses to the pair that
// was actually doing the keying.
func connKey(viewID, clientID string) string { return viewID + "|" + clientID }

// GetOrCreate returns the existing connection for (viewId, clientId),
// bumping its generation, or creates a fresh one.
func (m *Manager) GetOrCreate(viewID, clientID string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := connKey(viewID, clientID)
	if conn, ok := m.byKey[key]; ok {
		if _, err := conn.Reconnect(); err != nil {
			return nil, err
		}
		return conn, nil
	}
	conn, err := NewConnection(viewID, clientID)
	if err != nil {
		return nil, err
	}
	m.byKey[key] = conn
	return conn, nil
}

// Drop removes a connection entirely (socket closed for good).
func (m *Manager) Drop(viewID, clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKey, connKey(viewID, clientID))
}
