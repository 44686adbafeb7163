// Package permission implements the grant store and ensure() enforcement
// described in spec §4.7.
package permission

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/turnix/turnix/internal/event"
	turnixsemver "github.com/turnix/turnix/internal/semver"
)

// Decision is the outcome recorded on a grant.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Grant is a permission grant for a (principal, family) pair (spec §3).
type Grant struct {
	Principal string
	Family    string
	RangeSpec *turnixsemver.Requirement
	Decision  Decision
	Scope     map[string]any
	ExpiresAt time.Time // zero means no expiry
}

func (g Grant) expired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// DeniedError is raised when Ensure fails at any step (spec §4.7 step 3/4).
// It always carries the wire code PERMISSION_DENIED (spec §7).
type DeniedError struct {
	Principal string
	Family    string
	Reason    string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied for principal %q, family %q: %s", e.Principal, e.Family, e.Reason)
}

func (e *DeniedError) Code() string { return "PERMISSION_DENIED" }

// IsDenied reports whether err is a permission denial.
func IsDenied(err error) bool {
	_, ok := err.(*DeniedError)
	return ok
}

// CapabilityMeta is the informational baseline recorded at registration.
// It does not gate Ensure; it only documents the family's intended range.
type CapabilityMeta struct {
	Family   string
	Baseline *turnixsemver.Requirement
	Risk     string
}

// Manager is the grant store plus ensure()-time enforcement.
type Manager struct {
	mu     sync.RWMutex
	grants map[grantKey]Grant
	caps   map[string]CapabilityMeta
	doom   *DoomLoopDetector
}

type grantKey struct {
	Principal string
	Family    string
}

func NewManager() *Manager {
	return &Manager{
		grants: map[grantKey]Grant{},
		caps:   map[string]CapabilityMeta{},
		doom:   NewDoomLoopDetector(),
	}
}

// RegisterCapability records a capability family's baseline npm range.
func (m *Manager) RegisterCapability(family, baselineRange, risk string) error {
	req, err := turnixsemver.ParseRequirement(baselineRange)
	if err != nil {
		return fmt.Errorf("permission: invalid baseline range for %q: %w", family, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps[family] = CapabilityMeta{Family: family, Baseline: req, Risk: risk}
	return nil
}

// PutGrant stores or replaces a grant.
func (m *Manager) PutGrant(g Grant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[grantKey{g.Principal, g.Family}] = g
}

// RevokeGrant removes a grant.
func (m *Manager) RevokeGrant(principal, family string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.grants, grantKey{principal, family})
}

// GetGrant looks up a grant, treating an expired one as absent and
// dropping it (spec §4.7 step 2).
func (m *Manager) GetGrant(principal, family string) (Grant, bool) {
	m.mu.RLock()
	g, ok := m.grants[grantKey{principal, family}]
	m.mu.RUnlock()
	if !ok {
		return Grant{}, false
	}
	if g.expired(time.Now()) {
		m.RevokeGrant(principal, family)
		return Grant{}, false
	}
	return g, true
}

// parseCapability splits "family@version" into its parts. A malformed
// version is treated as no version (spec §4.7 step 1), not an error.
func parseCapability(capability string) (family, version string) {
	at := strings.IndexByte(capability, '@')
	if at < 0 {
		return capability, ""
	}
	family = capability[:at]
	version = strings.TrimSpace(capability[at+1:])
	if _, err := turnixsemver.Parse(version); err != nil {
		return family, ""
	}
	return family, version
}

// Ensure implements spec §4.7's five-step algorithm.
func (m *Manager) Ensure(principal, capability string) error {
	family, version := parseCapability(capability)

	grant, ok := m.GetGrant(principal, family)
	if !ok {
		return m.deny(principal, family, "no grant")
	}
	if grant.Decision != Allow {
		return m.deny(principal, family, "decision is not allow")
	}

	if version != "" {
		v, err := turnixsemver.Parse(version)
		if err != nil {
			return m.deny(principal, family, "invalid requested version")
		}
		if grant.RangeSpec != nil && !grant.RangeSpec.Satisfies(v) {
			return m.deny(principal, family, "requested version out of grant range")
		}
	}

	m.doom.Reset(principal, family)
	return nil
}

// deny records the failure, publishes the PermissionDenied event (spec §7
// "Permission denials always propagate"), and returns the DeniedError.
func (m *Manager) deny(principal, family, reason string) error {
	m.doom.NoteFailure(principal, family)
	event.Publish(event.Event{
		Type: event.PermissionDenied,
		Data: event.PermissionDeniedData{
			Principal: principal,
			Family:    family,
			DoomLoop:  m.doom.IsLooping(principal, family),
		},
	})
	return &DeniedError{Principal: principal, Family: family, Reason: reason}
}

// DoomLoopHint reports whether the last DoomLoopThreshold denials for this
// principal/family were all identical, for the observability supplement
// (SPEC_FULL §C.4). It never affects the allow/deny decision.
func (m *Manager) DoomLoopHint(principal, family string) bool {
	return m.doom.IsLooping(principal, family)
}
