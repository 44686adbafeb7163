// Package permission implements the grant store and ensure() enforcement
// used at every capability dispatch.
//
// # Overview
//
// Grants are stored per (principal, family). A grant carries an npm-style
// semver range and a decision (allow or deny); expired grants are dropped
// on read. Ensure(principal, capability) parses "family@version" (version
// optional — a malformed one is treated as absent), looks up the grant,
// and denies unless the grant's decision is allow and any requested
// version falls within its range.
//
//	mgr := NewManager()
//	mgr.PutGrant(Grant{Principal: "demo-mod", Family: "chat", Decision: Allow, RangeSpec: req})
//	if err := mgr.Ensure("demo-mod", "chat@1.5.0"); err != nil {
//		var denied *DeniedError
//		if errors.As(err, &denied) { ... }
//	}
//
// # Capability registration
//
// RegisterCapability records a family's baseline npm range. It is
// informational only — it documents the intended range for a capability,
// it does not gate Ensure.
//
// # Doom-loop hinting
//
// DoomLoopDetector tracks consecutive identical denials per (principal,
// family) and exposes IsLooping once a threshold is reached. This never
// changes the allow/deny outcome; it only adds a trace hint so a client
// can stop retrying a call that will never succeed.
//
// # Thread safety
//
// Manager and DoomLoopDetector are safe for concurrent use.
package permission
