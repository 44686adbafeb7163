package packs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	turnixsemver "github.com/turnix/turnix/internal/semver"
)

func writeManifest(t *testing.T, dir, id, kind, author, version string, mods map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))

	modsJSON := "{}"
	if len(mods) > 0 {
		modsJSON = "{"
		first := true
		for k, v := range mods {
			if !first {
				modsJSON += ","
			}
			first = false
			modsJSON += `"` + k + `":"` + v + `"`
		}
		modsJSON += "}"
	}

	content := `{
		"id": "` + id + `",
		"kind": "` + kind + `",
		"version": "` + version + `",
		"author": "` + author + `",
		"mods": ` + modsJSON + `
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(content), 0644))
}

func newModDescriptor(t *testing.T, author, id, version string, layer LayerTag, required []DependencyRef) *Descriptor {
	t.Helper()
	v, err := turnixsemver.Parse(version)
	require.NoError(t, err)
	return &Descriptor{
		Kind: KindMod, EffectiveAuthor: author, PackTreeID: id,
		EffectiveVersion: version, ParsedVersion: v, Layer: layer,
		Required: required,
	}
}

func setupRoot(t *testing.T) (string, *RootsService) {
	t.Helper()
	repo := t.TempDir()
	for _, name := range subdirNames {
		require.NoError(t, os.MkdirAll(filepath.Join(repo, name), 0755))
	}
	rs, err := AssembleRoots("", "", nil, repo)
	require.NoError(t, err)
	return repo, rs
}

func TestDiscoveryFindsPackRoots(t *testing.T) {
	repo, rs := setupRoot(t)
	writeManifest(t, filepath.Join(repo, "third-party", "acme-greeter"), "greeter", "mod", "acme", "1.0.0", nil)

	descs, err := NewDiscovery(rs).Scan()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, "greeter", descs[0].PackTreeID)
	require.Equal(t, LayerThirdParty, descs[0].Layer)
}

func TestDiscoveryDoesNotDescendIntoPackRoot(t *testing.T) {
	repo, rs := setupRoot(t)
	packDir := filepath.Join(repo, "third-party", "acme-greeter")
	writeManifest(t, packDir, "greeter", "mod", "acme", "1.0.0", nil)
	// a nested directory with its own manifest should not be surfaced
	writeManifest(t, filepath.Join(packDir, "vendor", "nested"), "nested", "mod", "acme", "1.0.0", nil)

	descs, err := NewDiscovery(rs).Scan()
	require.NoError(t, err)
	require.Len(t, descs, 1)
}

func TestRegistryResolveBestPrefersHighestThenSaveLayerTieBreak(t *testing.T) {
	repo, rs := setupRoot(t)
	writeManifest(t, filepath.Join(repo, "third-party", "acme-greeter-1"), "greeter", "mod", "acme", "1.0.0", nil)
	writeManifest(t, filepath.Join(repo, "saves", "acme-greeter-1-save"), "greeter", "mod", "acme", "1.0.0", nil)
	writeManifest(t, filepath.Join(repo, "custom", "acme-greeter-2"), "greeter", "mod", "acme", "2.0.0", nil)

	descs, err := NewDiscovery(rs).Scan()
	require.NoError(t, err)

	registry := NewRegistry()
	require.NoError(t, registry.AddAll(descs))

	best, ok := registry.ResolveBest(IdentityKey{Kind: KindMod, Author: "acme", PackTreeID: "greeter"}, mustReq(t, "*"))
	require.True(t, ok)
	require.Equal(t, "2.0.0", best.EffectiveVersion)

	tied, ok := registry.ResolveBest(IdentityKey{Kind: KindMod, Author: "acme", PackTreeID: "greeter"}, mustReq(t, "1.x"))
	require.True(t, ok)
	require.Equal(t, LayerSaves, tied.Layer, "saves layer scanned first must win version ties")
}

func TestRegistryRejectsDuplicateFullIdentity(t *testing.T) {
	registry := NewRegistry()
	d := &Descriptor{Kind: KindMod, EffectiveAuthor: "acme", PackTreeID: "greeter", EffectiveVersion: "1.0.0", Layer: LayerCustom}
	require.NoError(t, registry.Add(d))
	require.Error(t, registry.Add(d))
}

func TestPlannerDetectsCycle(t *testing.T) {
	registry := NewRegistry()
	a := newModDescriptor(t, "acme", "a", "1.0.0", LayerCustom, []DependencyRef{{PackTreeID: "b", RangeOrRef: "*"}})
	b := newModDescriptor(t, "acme", "b", "1.0.0", LayerCustom, []DependencyRef{{PackTreeID: "a", RangeOrRef: "*"}})
	require.NoError(t, registry.Add(a))
	require.NoError(t, registry.Add(b))

	_, _, err := NewPlanner(registry).Plan(a)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestPlannerBuildsDependencyClosure(t *testing.T) {
	registry := NewRegistry()
	leaf := newModDescriptor(t, "acme", "leaf", "1.0.0", LayerCustom, nil)
	root := newModDescriptor(t, "acme", "root", "1.0.0", LayerCustom, []DependencyRef{{PackTreeID: "leaf", RangeOrRef: "^1.0.0"}})
	require.NoError(t, registry.Add(leaf))
	require.NoError(t, registry.Add(root))

	entries, warnings, err := NewPlanner(registry).Plan(root)
	require.NoError(t, err)
	require.Empty(t, warnings)
	require.Len(t, entries, 2)
	require.Equal(t, "leaf", entries[0].Descriptor.PackTreeID, "dependency must activate before the dependent")
	require.Equal(t, "root", entries[1].Descriptor.PackTreeID)
	require.Equal(t, ReasonRoot, entries[1].Reason)
	require.Equal(t, ReasonDependency, entries[0].Reason)
}

func TestPlannerFailsOnMissingRequiredDependency(t *testing.T) {
	registry := NewRegistry()
	root := &Descriptor{Kind: KindMod, EffectiveAuthor: "acme", PackTreeID: "root", EffectiveVersion: "1.0.0", Layer: LayerCustom,
		Required: []DependencyRef{{PackTreeID: "missing", RangeOrRef: "*"}}}
	require.NoError(t, registry.Add(root))

	_, _, err := NewPlanner(registry).Plan(root)
	require.Error(t, err)
}

func TestParsePackRefShapes(t *testing.T) {
	sel, err := ParsePackRef("greeter")
	require.NoError(t, err)
	require.Equal(t, Selector{PackTreeID: "greeter"}, sel)

	sel, err = ParsePackRef("acme@greeter@^1.0.0")
	require.NoError(t, err)
	require.Equal(t, Selector{Author: "acme", PackTreeID: "greeter", Range: "^1.0.0"}, sel)

	_, err = ParsePackRef("https://example.com/pack")
	require.Error(t, err)

	_, err = ParsePackRef("a@b@c@d")
	require.Error(t, err)
}

func TestResolveSelectorAmbiguousWithoutAuthor(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Add(&Descriptor{Kind: KindMod, EffectiveAuthor: "acme", PackTreeID: "greeter", EffectiveVersion: "1.0.0", Layer: LayerCustom}))
	require.NoError(t, registry.Add(&Descriptor{Kind: KindMod, EffectiveAuthor: "other", PackTreeID: "greeter", EffectiveVersion: "1.0.0", Layer: LayerCustom}))

	_, err := ResolveSelector(registry, "greeter")
	require.Error(t, err)
	var ambiguous *ErrAmbiguousSelector
	require.ErrorAs(t, err, &ambiguous)
}

func mustReq(t *testing.T, s string) *turnixsemver.Requirement {
	t.Helper()
	req, err := turnixsemver.ParseRequirement(s)
	require.NoError(t, err)
	return req
}
