// Package packs implements pack discovery and semver-indexed resolution
// across prioritized filesystem roots (spec §4.2).
package packs

import (
	"encoding/json"
	"fmt"

	turnixsemver "github.com/turnix/turnix/internal/semver"
)

// Kind is a pack's identity kind.
type Kind string

const (
	KindApp     Kind = "app"
	KindView    Kind = "view"
	KindMod     Kind = "mod"
	KindContent Kind = "content"
	KindSave    Kind = "save"
)

// kindFromManifest maps a manifest's "kind" field to the Kind enum.
func kindFromManifest(manifestKind string) (Kind, error) {
	switch manifestKind {
	case "appPack":
		return KindApp, nil
	case "viewPack":
		return KindView, nil
	case "mod":
		return KindMod, nil
	case "contentPack":
		return KindContent, nil
	case "savePack":
		return KindSave, nil
	default:
		return "", fmt.Errorf("packs: unknown manifest kind %q", manifestKind)
	}
}

// LayerTag is the content-root layer a descriptor was discovered under.
type LayerTag string

const (
	LayerFirstParty LayerTag = "first-party"
	LayerThirdParty LayerTag = "third-party"
	LayerCustom     LayerTag = "custom"
	LayerSaves      LayerTag = "saves"
)

// DependencyRef is one entry of a manifest's "mods" map: a required pack
// tree id plus the range or PackRefString declared for it.
type DependencyRef struct {
	PackTreeID string
	RangeOrRef string
}

// Descriptor is the immutable identity and metadata of a discovered pack
// (spec §3, Pack descriptor). Built once at discovery and never mutated.
type Descriptor struct {
	Kind             Kind
	EffectiveAuthor  string
	PackTreeID       string
	EffectiveVersion string // raw declared version string, "" if undeclared
	ParsedVersion    turnixsemver.Version

	Layer    LayerTag
	BaseRoot string
	PackRoot string

	ManifestRaw json.RawMessage
	Manifest    Manifest

	Recommended []DependencyRef
	Required    []DependencyRef

	// RuntimeEntry is the resolved path to the app/view's generator entry
	// point (manifest meta.runtimes.generator), if any.
	RuntimeEntry string
}

// IdentityKey is (kind, effectiveAuthor, packTreeId), the compound key used
// by the registry and by dependency-closure traversal.
type IdentityKey struct {
	Kind       Kind
	Author     string
	PackTreeID string
}

func (d *Descriptor) Identity() IdentityKey {
	return IdentityKey{Kind: d.Kind, Author: d.EffectiveAuthor, PackTreeID: d.PackTreeID}
}

// FullIdentityKey additionally includes effective version and layer, used
// to reject true duplicates at discovery time (spec §3 invariant).
type FullIdentityKey struct {
	IdentityKey
	EffectiveVersion string
	Layer            LayerTag
}

func (d *Descriptor) FullIdentity() FullIdentityKey {
	return FullIdentityKey{IdentityKey: d.Identity(), EffectiveVersion: d.EffectiveVersion, Layer: d.Layer}
}
