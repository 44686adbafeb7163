package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

const snapshotFormat = "turnix.memory.snapshot"
const snapshotVersion = 1

// LayerSnapshot is the persisted form of one DictLayer (spec §4.1,
// Persistence format). Only dict layers participate; transactional and
// read-only layers are never snapshotted.
type LayerSnapshot struct {
	Name    string                  `json:"name"`
	Kind    string                  `json:"kind"`
	Entries map[string]MemoryObject `json:"entries"`
}

// Snapshot is the full persisted memory stack.
type Snapshot struct {
	Version int             `json:"version"`
	Format  string          `json:"format"`
	Layers  []LayerSnapshot `json:"layers"`
}

// TakeSnapshot captures every DictLayer in layers. Layer order is
// preserved from the input slice.
func TakeSnapshot(layers []Layer) Snapshot {
	snap := Snapshot{Version: snapshotVersion, Format: snapshotFormat}
	for _, l := range layers {
		dict, ok := l.(*DictLayer)
		if !ok {
			continue
		}
		snap.Layers = append(snap.Layers, LayerSnapshot{
			Name:    dict.Name(),
			Kind:    "dict",
			Entries: dict.Entries(),
		})
	}
	return snap
}

// Hydrate loads snap's layer contents into the matching DictLayer in
// byName. Unknown layer names in the snapshot are ignored, matching spec
// §4.1's "unknown layers in the file are ignored".
func Hydrate(snap Snapshot, byName map[string]*DictLayer) {
	for _, ls := range snap.Layers {
		dict, ok := byName[ls.Name]
		if !ok {
			continue
		}
		dict.LoadEntries(ls.Entries)
		dict.MarkCleanSnapshot()
	}
}

// WriteSnapshotFile writes snap to path atomically (write-temp, rename),
// matching the teacher's storage package's write pattern.
func WriteSnapshotFile(path string, snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("memory: create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("memory: write temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("memory: rename snapshot into place: %w", err)
	}
	return nil
}

// ReadSnapshotFile reads and JSON5-decodes a snapshot file.
func ReadSnapshotFile(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("memory: read snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(jsonc.ToJSON(raw), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("memory: decode snapshot: %w", err)
	}
	return snap, nil
}
