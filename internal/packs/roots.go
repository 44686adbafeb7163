package packs

import (
	"fmt"
	"os"
	"path/filepath"
)

// subdirNames are the five subdirectories every content root carries
// (spec §4.2). "userdata" and "saves" are write targets; the other three
// are pack-discovery layers alongside "saves".
var subdirNames = []string{"first-party", "third-party", "custom", "userdata", "saves"}

// Root is one priority-ranked content root.
type Root struct {
	Base     string
	Priority int
}

// LayerDir returns the subdirectory of this root for the given layer/kind
// name (one of subdirNames).
func (r Root) LayerDir(name string) string {
	return filepath.Join(r.Base, name)
}

// RootsService assembles and exposes the priority-ordered list of content
// roots (spec §4.2, Roots).
type RootsService struct {
	Roots []Root
}

// AssembleRoots builds the priority-ordered root list: CLI root (created if
// absent) first, then the TURNIX_ROOT environment root, then any present OS
// user directories, then the repository root last. The repository root
// must already exist with all five subdirectories; that is a startup
// invariant whose violation is fatal.
func AssembleRoots(cliRoot, envRoot string, osUserDirs []string, repoRoot string) (*RootsService, error) {
	var roots []Root
	priority := 0

	if cliRoot != "" {
		if err := os.MkdirAll(cliRoot, 0755); err != nil {
			return nil, fmt.Errorf("packs: create CLI root %s: %w", cliRoot, err)
		}
		if err := ensureSubdirs(cliRoot); err != nil {
			return nil, err
		}
		roots = append(roots, Root{Base: cliRoot, Priority: priority})
		priority++
	}

	if envRoot != "" {
		if err := ensureSubdirs(envRoot); err != nil {
			return nil, err
		}
		roots = append(roots, Root{Base: envRoot, Priority: priority})
		priority++
	}

	for _, dir := range osUserDirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			roots = append(roots, Root{Base: dir, Priority: priority})
			priority++
		}
	}

	if repoRoot == "" {
		return nil, fmt.Errorf("packs: repository root is required")
	}
	if err := verifyRepoRoot(repoRoot); err != nil {
		return nil, err
	}
	roots = append(roots, Root{Base: repoRoot, Priority: priority})

	return &RootsService{Roots: roots}, nil
}

// ensureSubdirs creates any missing one of the five standard subdirectories
// under base.
func ensureSubdirs(base string) error {
	for _, name := range subdirNames {
		if err := os.MkdirAll(filepath.Join(base, name), 0755); err != nil {
			return fmt.Errorf("packs: create %s/%s: %w", base, name, err)
		}
	}
	return nil
}

// verifyRepoRoot enforces the fatal startup invariant: the repository root
// must already exist with all five subdirectories present.
func verifyRepoRoot(repoRoot string) error {
	info, err := os.Stat(repoRoot)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("packs: repository root %s does not exist", repoRoot)
	}
	for _, name := range subdirNames {
		dir := filepath.Join(repoRoot, name)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("packs: repository root %s is missing required subdirectory %q", repoRoot, name)
		}
	}
	return nil
}

// ReadDirs returns every existing <root>/<name> directory across all roots,
// in priority order, merging candidates for pack discovery.
func (rs *RootsService) ReadDirs(name string) []string {
	var dirs []string
	for _, r := range rs.Roots {
		dir := r.LayerDir(name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// WriteDir resolves the single directory writes for the given kind
// ("userdata" or "saves") should target: an explicit override first, else
// "<preferredWriteBase>/<kind>", else the repository root's subdirectory.
func (rs *RootsService) WriteDir(kind, override, preferredWriteBase string) (string, error) {
	if override != "" {
		return override, nil
	}
	if preferredWriteBase != "" {
		return filepath.Join(preferredWriteBase, kind), nil
	}
	if len(rs.Roots) == 0 {
		return "", fmt.Errorf("packs: no roots assembled")
	}
	repoRoot := rs.Roots[len(rs.Roots)-1]
	return repoRoot.LayerDir(kind), nil
}
