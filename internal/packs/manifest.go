package packs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tidwall/jsonc"
)

// Manifest is a pack manifest (spec §6). Author and Mods keep their raw
// JSON around since both have two valid shapes in the source grammar.
type Manifest struct {
	ID               string          `json:"id"`
	Kind             string          `json:"kind"`
	Name             string          `json:"name,omitempty"`
	Version          string          `json:"version,omitempty"`
	Author           json.RawMessage `json:"author,omitempty"`
	Description      string          `json:"description,omitempty"`
	Visibility       string          `json:"visibility,omitempty"`
	ImportFromParent bool            `json:"importFromParent,omitempty"`
	Exports          map[string]any  `json:"exports,omitempty"`
	Mods             json.RawMessage `json:"mods,omitempty"`
	Meta             ManifestMeta    `json:"meta,omitempty"`
}

// ManifestMeta is the manifest's free-form "meta" block, narrowed to the
// fields this engine interprets.
type ManifestMeta struct {
	Runtimes RuntimesMeta `json:"runtimes,omitempty"`
}

// RuntimesMeta names the pack's entry points.
type RuntimesMeta struct {
	Generator         string `json:"generator,omitempty"`
	DefaultInstanceID string `json:"defaultInstanceId,omitempty"`
}

// manifestFileNames are checked in order; the first one present makes a
// directory a pack root (spec §4.2, Discovery).
var manifestFileNames = []string{"manifest.json5", "manifest.json"}

// manifestGlob matches either manifest file name, reused by IsManifestPath
// so the fsnotify watcher can classify fired events without listing dirs.
const manifestGlob = "manifest.json{,5}"

// findManifestFile returns the manifest path in dir, or "" if dir is not a
// pack root.
func findManifestFile(dir string) string {
	for _, name := range manifestFileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

// IsManifestPath reports whether path's base name is a manifest file name,
// used by the change watcher to decide whether a filesystem event is worth
// a rescan.
func IsManifestPath(path string) bool {
	ok, err := doublestar.Match(manifestGlob, filepath.Base(path))
	return err == nil && ok
}

// ParseManifest reads and JSON5-decodes a manifest file.
func ParseManifest(path string) (Manifest, json.RawMessage, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("packs: read manifest %s: %w", path, err)
	}
	normalized := jsonc.ToJSON(raw)

	var m Manifest
	if err := json.Unmarshal(normalized, &m); err != nil {
		return Manifest{}, nil, fmt.Errorf("packs: parse manifest %s: %w", path, err)
	}
	if m.ID == "" {
		return Manifest{}, nil, fmt.Errorf("packs: manifest %s missing required \"id\"", path)
	}
	return m, json.RawMessage(normalized), nil
}

// AuthorName extracts the author's display name from either string or
// {name: "..."} manifest shapes.
func AuthorName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}

// ParseModsField normalizes a manifest's "mods" field, which may be either
// a {"<packTreeId>": "<range|PackRefString>"} map or a ["<packTreeId>",...]
// array (each entry then defaulting to the wildcard range "*").
func ParseModsField(raw json.RawMessage) ([]DependencyRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asMap map[string]string
	if err := json.Unmarshal(raw, &asMap); err == nil {
		refs := make([]DependencyRef, 0, len(asMap))
		for id, rng := range asMap {
			refs = append(refs, DependencyRef{PackTreeID: id, RangeOrRef: rng})
		}
		return refs, nil
	}

	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		refs := make([]DependencyRef, 0, len(asList))
		for _, id := range asList {
			refs = append(refs, DependencyRef{PackTreeID: id, RangeOrRef: "*"})
		}
		return refs, nil
	}

	return nil, fmt.Errorf("packs: manifest \"mods\" field is neither a map nor an array")
}
