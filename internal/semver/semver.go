// Package semver implements Turnix's pack-version grammar: parsing,
// ordering (prerelease ranks below release of the same core triple, build
// metadata ignored), and npm-style range matching (caret, tilde, hyphen,
// comparator sets) described in spec §4.2.
//
// Parsing and ordering are validated against Turnix's own grammar rules
// (leading-zero rejection, 1-3 part cores) before being handed to
// github.com/Masterminds/semver/v3, which already implements npm-compatible
// caret/tilde semantics including the 0.x boundary cases this package's
// tests pin down.
package semver

import (
	"fmt"
	"regexp"
	"strings"

	mmsemver "github.com/Masterminds/semver/v3"
)

// Version is a parsed pack version.
type Version struct {
	raw string
	v   *mmsemver.Version
}

var corePattern = regexp.MustCompile(`^v?(\d+)(\.(\d+))?(\.(\d+))?(-([0-9A-Za-z.-]+))?(\+([0-9A-Za-z.-]+))?$`)

// leadingZero matches a numeric component with more than one digit starting with 0.
var leadingZero = regexp.MustCompile(`^0\d+$`)

// Parse parses a pack version string per spec §4.2: optional "v" prefix,
// a 1-3 part numeric core (missing parts zero-padded), optional
// "-prerelease" and "+build" suffixes. Leading zeros in any numeric
// component are rejected.
func Parse(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)
	m := corePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return Version{}, fmt.Errorf("semver: invalid version %q", s)
	}

	major := m[1]
	minor := m[3]
	patch := m[5]
	for _, part := range []string{major, minor, patch} {
		if part != "" && leadingZero.MatchString(part) {
			return Version{}, fmt.Errorf("semver: invalid version %q: leading zero in numeric component", s)
		}
	}
	if minor == "" {
		minor = "0"
	}
	if patch == "" {
		patch = "0"
	}

	canon := major + "." + minor + "." + patch
	if m[7] != "" {
		canon += "-" + m[7]
	}
	if m[9] != "" {
		canon += "+" + m[9]
	}

	v, err := mmsemver.NewVersion(canon)
	if err != nil {
		return Version{}, fmt.Errorf("semver: invalid version %q: %w", s, err)
	}
	return Version{raw: canon, v: v}, nil
}

// String returns the canonical (zero-padded, prefix-stripped) form.
func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

// IsZero reports whether this Version is the zero value (unparsed).
func (v Version) IsZero() bool { return v.v == nil }

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other. Prerelease versions rank below release versions of the same
// MAJOR.MINOR.PATCH; build metadata never affects ordering or equality.
func (v Version) Compare(other Version) int {
	return v.v.Compare(other.v)
}

// LessThan reports whether v sorts strictly before other.
func (v Version) LessThan(other Version) bool {
	return v.Compare(other) < 0
}

// Requirement is a parsed npm-style range (spec §4.2).
type Requirement struct {
	raw        string
	isAny      bool
	constraint *mmsemver.Constraints
}

var hyphenRange = regexp.MustCompile(`^\s*(\S+)\s*-\s*(\S+)\s*$`)

// ParseRequirement parses a version requirement. An empty string or "*"
// matches any version. Supported grammar: bare version (exact), relational
// (">=", "<=", ">", "<", "==" treated as exact), caret ("^1.2.3"), tilde
// ("~1.2.3"), hyphen range ("a - b"), and whitespace-separated conjunctions.
func ParseRequirement(s string) (*Requirement, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "*" {
		return &Requirement{raw: s, isAny: true}, nil
	}

	if m := hyphenRange.FindStringSubmatch(trimmed); m != nil && !strings.ContainsAny(trimmed, "<>^~") {
		lo, err := Parse(m[1])
		if err != nil {
			return nil, fmt.Errorf("semver: invalid hyphen range %q: %w", s, err)
		}
		hi, err := Parse(m[2])
		if err != nil {
			return nil, fmt.Errorf("semver: invalid hyphen range %q: %w", s, err)
		}
		if hi.LessThan(lo) {
			return nil, fmt.Errorf("semver: invalid hyphen range %q: upper bound %s is lower than lower bound %s", s, hi, lo)
		}
		c, err := mmsemver.NewConstraint(">=" + lo.String() + " <=" + hi.String())
		if err != nil {
			return nil, fmt.Errorf("semver: invalid hyphen range %q: %w", s, err)
		}
		return &Requirement{raw: s, constraint: c}, nil
	}

	normalized := strings.ReplaceAll(trimmed, "==", "=")
	c, err := mmsemver.NewConstraint(normalized)
	if err != nil {
		return nil, fmt.Errorf("semver: invalid requirement %q: %w", s, err)
	}
	return &Requirement{raw: s, constraint: c}, nil
}

// String returns the original requirement text.
func (r *Requirement) String() string { return r.raw }

// IsAny reports whether this requirement matches every version.
func (r *Requirement) IsAny() bool { return r == nil || r.isAny }

// Satisfies reports whether v meets the requirement.
func (r *Requirement) Satisfies(v Version) bool {
	if r.IsAny() {
		return true
	}
	return r.constraint.Check(v.v)
}

// Candidate is anything Best can rank: a version plus an opaque value.
// Ties are broken by the candidate list's input order, which the caller
// arranges (save-layer-first, then root/pack path).
type Candidate[T any] struct {
	Version Version
	Value   T
}

// Best returns the candidate with the highest version among those
// satisfying req, preferring the first input occurrence on ties (so a
// save-layer candidate earlier in the list wins over a later, equally
// high-versioned one). Candidates without a parseable version are ignored
// by this function; the caller (internal/packs) handles the
// no-semver-candidates fallback described in spec §4.2 step 5.
func Best[T any](candidates []Candidate[T], req *Requirement) (Candidate[T], bool) {
	var best Candidate[T]
	found := false
	for _, c := range candidates {
		if c.Version.IsZero() {
			continue
		}
		if !req.Satisfies(c.Version) {
			continue
		}
		if !found || c.Version.Compare(best.Version) > 0 {
			best = c
			found = true
		}
	}
	return best, found
}
