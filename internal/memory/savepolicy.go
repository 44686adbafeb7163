package memory

import (
	"sync"
	"time"
)

// SavePolicy decides whether a just-committed change should be flushed to
// durable storage right now, or deferred (spec §9's "synchronous save on
// every commit" open question). With DebounceInterval, MaxInterval, and
// MaxDirtyItems all left at zero it degrades to "always persist
// immediately" — the only behavior this module had before a policy
// existed, preserved as the default.
//
// ShouldPersist is evaluated at commit time rather than on a background
// timer, so DebounceInterval approximates a quiet-period debounce only to
// the resolution of how often commits actually happen; it does not itself
// schedule a delayed flush.
type SavePolicy struct {
	// DebounceInterval: only persist once this long has passed since the
	// last dirty write landed. Zero disables debouncing.
	DebounceInterval time.Duration
	// MaxInterval forces a persist once this long has elapsed since the
	// last persist, regardless of debounce. Zero disables the ceiling.
	MaxInterval time.Duration
	// MaxDirtyItems forces a persist once this many keys are outstanding
	// since the last persist. Zero disables the threshold.
	MaxDirtyItems int

	mu           sync.Mutex
	lastPersist  time.Time
	lastActivity time.Time
}

// NewSavePolicy constructs a policy. debounce==0 && maxInterval==0 &&
// maxDirtyItems==0 always persists immediately.
func NewSavePolicy(debounce, maxInterval time.Duration, maxDirtyItems int) *SavePolicy {
	return &SavePolicy{DebounceInterval: debounce, MaxInterval: maxInterval, MaxDirtyItems: maxDirtyItems}
}

// NoteActivity records that a dirty write landed at time now.
func (p *SavePolicy) NoteActivity(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastActivity = now
}

// ShouldPersist reports whether dirtyCount outstanding keys, as of now,
// warrant a persist.
func (p *SavePolicy) ShouldPersist(now time.Time, dirtyCount int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.DebounceInterval == 0 && p.MaxInterval == 0 && p.MaxDirtyItems == 0 {
		return true
	}
	if dirtyCount == 0 {
		return false
	}
	if p.MaxDirtyItems > 0 && dirtyCount >= p.MaxDirtyItems {
		return true
	}
	if p.MaxInterval > 0 && !p.lastPersist.IsZero() && now.Sub(p.lastPersist) >= p.MaxInterval {
		return true
	}
	if p.DebounceInterval > 0 && now.Sub(p.lastActivity) >= p.DebounceInterval {
		return true
	}
	return p.DebounceInterval == 0 && p.MaxDirtyItems == 0 && p.lastPersist.IsZero()
}

// MarkPersisted records that a persist just happened at time now.
func (p *SavePolicy) MarkPersisted(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPersist = now
}
