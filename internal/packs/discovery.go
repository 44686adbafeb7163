package packs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	turnixsemver "github.com/turnix/turnix/internal/semver"
)

// layerForDirName maps a root subdirectory name to its LayerTag, for the
// four pack-discovery layers (userdata is write-only, never scanned for
// packs).
var layerForDirName = map[string]LayerTag{
	"first-party": LayerFirstParty,
	"third-party": LayerThirdParty,
	"custom":      LayerCustom,
	"saves":       LayerSaves,
}

// discoveryOrder controls scan order within one root: saves is scanned
// first so save-layer packs win registry tie-breaks over lower layers
// (spec §4.2 step 6, "ties preserve input order").
var discoveryOrder = []string{"saves", "first-party", "third-party", "custom"}

// Discovery walks content roots for pack directories.
type Discovery struct {
	roots *RootsService
}

func NewDiscovery(roots *RootsService) *Discovery {
	return &Discovery{roots: roots}
}

// Scan walks every layer directory across all roots and returns one
// Descriptor per discovered pack root. A directory is a pack root if it
// directly contains a manifest file; discovery does not descend into a
// pack root's own subtree looking for nested packs.
// Scan walks every (layer, base) pair concurrently — layer directory
// reads are independent I/O with no shared state — then flattens results
// back into the fixed discoveryOrder/root-priority order so registry tie
// breaks stay deterministic regardless of scan completion order.
func (d *Discovery) Scan() ([]*Descriptor, error) {
	type job struct {
		layer LayerTag
		base  string
	}
	var jobs []job
	for _, dirName := range discoveryOrder {
		layer := layerForDirName[dirName]
		for _, base := range d.roots.ReadDirs(dirName) {
			jobs = append(jobs, job{layer: layer, base: base})
		}
	}

	results := make([][]*Descriptor, len(jobs))
	var g errgroup.Group
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			found, err := scanLayerDir(j.base, j.layer)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []*Descriptor
	for _, found := range results {
		out = append(out, found...)
	}
	return out, nil
}

// scanLayerDir walks one <root>/<layerDir> directory, detecting symlink
// loops via a stack of visited real paths, and returns a Descriptor for
// each pack root found under it at any depth (so both <packTreeId> and
// <author>/<packTreeId> layouts are found).
func scanLayerDir(base string, layer LayerTag) ([]*Descriptor, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("packs: read layer dir %s: %w", base, err)
	}

	var out []*Descriptor
	visited := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(base, e.Name())
		found, err := walkForPacks(dir, layer, base, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// walkForPacks recurses into dir looking for manifest-bearing directories.
// It stops descending as soon as it finds one (a pack root's internal
// files are not themselves scanned for nested packs) and detects symlink
// loops by comparing each directory's resolved real path against the
// stack of real paths already on the current descent.
func walkForPacks(dir string, layer LayerTag, baseRoot string, visited map[string]bool) ([]*Descriptor, error) {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("packs: resolve %s: %w", dir, err)
	}
	if visited[real] {
		return nil, fmt.Errorf("packs: symlink loop detected at %s", dir)
	}
	visited[real] = true
	defer delete(visited, real)

	if mpath := findManifestFile(dir); mpath != "" {
		desc, err := buildDescriptor(dir, mpath, layer, baseRoot)
		if err != nil {
			return nil, err
		}
		return []*Descriptor{desc}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("packs: read dir %s: %w", dir, err)
	}
	var out []*Descriptor
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		found, err := walkForPacks(filepath.Join(dir, e.Name()), layer, baseRoot, visited)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	return out, nil
}

// buildDescriptor parses a manifest and assembles the immutable Descriptor
// for the pack root at dir.
func buildDescriptor(dir, manifestPath string, layer LayerTag, baseRoot string) (*Descriptor, error) {
	m, raw, err := ParseManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	kind, err := kindFromManifest(m.Kind)
	if err != nil {
		return nil, fmt.Errorf("packs: %s: %w", manifestPath, err)
	}

	var parsed turnixsemver.Version
	if m.Version != "" {
		parsed, err = turnixsemver.Parse(m.Version)
		if err != nil {
			return nil, fmt.Errorf("packs: %s: invalid version %q: %w", manifestPath, m.Version, err)
		}
	}

	mods, err := ParseModsField(m.Mods)
	if err != nil {
		return nil, fmt.Errorf("packs: %s: %w", manifestPath, err)
	}

	var runtimeEntry string
	if m.Meta.Runtimes.Generator != "" {
		runtimeEntry = filepath.Join(dir, m.Meta.Runtimes.Generator)
	}

	desc := &Descriptor{
		Kind:             kind,
		EffectiveAuthor:  AuthorName(m.Author),
		PackTreeID:       m.ID,
		EffectiveVersion: m.Version,
		ParsedVersion:    parsed,
		Layer:            layer,
		BaseRoot:         baseRoot,
		PackRoot:         dir,
		ManifestRaw:      raw,
		Manifest:         m,
		Required:         mods,
		RuntimeEntry:     runtimeEntry,
	}
	return desc, nil
}
