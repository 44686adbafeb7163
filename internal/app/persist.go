package app

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/turnix/turnix/internal/logging"
	"github.com/turnix/turnix/internal/memory"
	"github.com/turnix/turnix/internal/session"
	"github.com/turnix/turnix/internal/tracing"
)

const saveSchemaVersion = 1

// FileRecord is one entry of save.json5's files index: a relative path plus
// its content's SHA-256, used to detect corruption on load (spec §4.3).
type FileRecord struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// SessionFileRecord additionally names the session's layers directory.
type SessionFileRecord struct {
	FileRecord
	LayersDir string `json:"layersDir"`
}

// Manifest is save.json5: the top-level index of a save directory.
type Manifest struct {
	SchemaVersion int    `json:"schemaVersion"`
	AppPackID     string `json:"appPackId"`
	AppInstanceID string `json:"appInstanceId"`
	CreatedTs     int64  `json:"createdTs"`
	SavedTs       int64  `json:"savedTs"`
	Label         string `json:"label,omitempty"`
	MainSessionID string `json:"mainSessionId,omitempty"`
	Files         struct {
		AppInstance FileRecord                   `json:"appInstance"`
		Sessions    map[string]SessionFileRecord `json:"sessions"`
	} `json:"files"`
}

// instanceSnapshot is state/snapshot.json5: the instance's own fields plus
// its shared runtime layer (static is read-only and rebuilt from the pack,
// so it is never persisted).
type instanceSnapshot struct {
	AppPackID     string          `json:"appPackId"`
	AppInstanceID string          `json:"appInstanceId"`
	CreatedTs     int64           `json:"createdTs"`
	Version       int             `json:"version"`
	MainSessionID string          `json:"mainSessionId,omitempty"`
	Runtime       memory.Snapshot `json:"runtime"`
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// writeJSONFile marshals v, writes it atomically (temp file + rename, the
// teacher's storage package's pattern), and returns its SHA-256.
func writeJSONFile(path string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("app: marshal %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("app: create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("app: write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("app: rename %s into place: %w", tmp, err)
	}
	return hashBytes(data), nil
}

// Save serializes the instance and every session to <SaveRoot>/state/...,
// then writes save.json5 last (spec §4.3, write order: state files then
// manifest).
func (i *Instance) Save(label string) (Manifest, error) {
	i.mu.RLock()
	sessionIDs := make([]string, 0, len(i.sessionsByID))
	sessions := make(map[string]*session.Session, len(i.sessionsByID))
	for id, s := range i.sessionsByID {
		sessionIDs = append(sessionIDs, id)
		sessions[id] = s
	}
	mainSessionID := i.mainSessionID
	version := i.version
	i.mu.RUnlock()
	sort.Strings(sessionIDs)

	stateDir := filepath.Join(i.SaveRoot, "state")

	snap := instanceSnapshot{
		AppPackID:     i.AppPackID,
		AppInstanceID: i.AppInstanceID,
		CreatedTs:     i.CreatedAt.UnixMilli(),
		Version:       version,
		MainSessionID: mainSessionID,
		Runtime:       memory.TakeSnapshot([]memory.Layer{i.runtime}),
	}
	instanceHash, err := writeJSONFile(filepath.Join(stateDir, "snapshot.json5"), snap)
	if err != nil {
		return Manifest{}, err
	}

	manifest := Manifest{
		SchemaVersion: saveSchemaVersion,
		AppPackID:     i.AppPackID,
		AppInstanceID: i.AppInstanceID,
		CreatedTs:     i.CreatedAt.UnixMilli(),
		SavedTs:       time.Now().UnixMilli(),
		Label:         label,
		MainSessionID: mainSessionID,
	}
	manifest.Files.AppInstance = FileRecord{Path: "state/snapshot.json5", SHA256: instanceHash}
	manifest.Files.Sessions = make(map[string]SessionFileRecord, len(sessionIDs))

	for _, sid := range sessionIDs {
		s := sessions[sid]
		relPath := filepath.Join("state", "sessions", sid+".json5")
		hash, err := writeJSONFile(filepath.Join(i.SaveRoot, relPath), s.ToSnapshot())
		if err != nil {
			return Manifest{}, err
		}

		layersDir := filepath.Join("state", "sessions", sid+"_layers")
		privateSnap := memory.TakeSnapshot([]memory.Layer{s.PrivateLayer})
		if _, err := writeJSONFile(filepath.Join(i.SaveRoot, layersDir, "session.json"), privateSnap); err != nil {
			return Manifest{}, err
		}

		manifest.Files.Sessions[sid] = SessionFileRecord{
			FileRecord: FileRecord{Path: relPath, SHA256: hash},
			LayersDir:  layersDir,
		}
	}

	if _, err := writeJSONFile(filepath.Join(i.SaveRoot, "save.json5"), manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Load reconstructs an Instance from <savesRoot>/<appPackId>/<instanceId>/,
// verifying each file's SHA-256 (mismatches are logged, not fatal), then
// recreating sessions via session.FromSnapshot and hydrating their memory.
func Load(savesRoot, appPackID, appInstanceID string, resolver *memory.Resolver, tracer *tracing.Tracer, opts ...Option) (*Instance, error) {
	saveRoot := saveRootPath(savesRoot, appPackID, appInstanceID)

	manifestPath := filepath.Join(saveRoot, "save.json5")
	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("app: read manifest %s: %w", manifestPath, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("app: decode manifest %s: %w", manifestPath, err)
	}

	verifyFile := func(rel, wantSHA256 string) {
		data, err := os.ReadFile(filepath.Join(saveRoot, rel))
		if err != nil {
			logging.Warn().Str("path", rel).Err(err).Msg("app: save file missing during load")
			return
		}
		if got := hashBytes(data); got != wantSHA256 {
			logging.Warn().Str("path", rel).Str("want", wantSHA256).Str("got", got).Msg("app: save file hash mismatch, loading anyway")
		}
	}
	verifyFile(manifest.Files.AppInstance.Path, manifest.Files.AppInstance.SHA256)
	for _, rec := range manifest.Files.Sessions {
		verifyFile(rec.Path, rec.SHA256)
	}

	snapPath := filepath.Join(saveRoot, manifest.Files.AppInstance.Path)
	snapData, err := os.ReadFile(snapPath)
	if err != nil {
		return nil, fmt.Errorf("app: read instance snapshot %s: %w", snapPath, err)
	}
	var snap instanceSnapshot
	if err := json.Unmarshal(snapData, &snap); err != nil {
		return nil, fmt.Errorf("app: decode instance snapshot %s: %w", snapPath, err)
	}

	allOpts := append([]Option{WithInstanceID(appInstanceID)}, opts...)
	inst, err := New(appPackID, savesRoot, resolver, tracer, allOpts...)
	if err != nil {
		return nil, err
	}
	inst.CreatedAt = time.UnixMilli(snap.CreatedTs)
	inst.version = snap.Version
	memory.Hydrate(snap.Runtime, map[string]*memory.DictLayer{"runtime": inst.runtime})

	sessionIDs := make([]string, 0, len(manifest.Files.Sessions))
	for sid := range manifest.Files.Sessions {
		sessionIDs = append(sessionIDs, sid)
	}
	sort.Strings(sessionIDs)

	for _, sid := range sessionIDs {
		rec := manifest.Files.Sessions[sid]
		sessData, err := os.ReadFile(filepath.Join(saveRoot, rec.Path))
		if err != nil {
			return nil, fmt.Errorf("app: read session file %s: %w", rec.Path, err)
		}
		var sessSnap session.Snapshot
		if err := json.Unmarshal(sessData, &sessSnap); err != nil {
			return nil, fmt.Errorf("app: decode session file %s: %w", rec.Path, err)
		}

		s := session.FromSnapshot(sessSnap, inst.bottomLayers(), resolver, inst, tracer)
		s.SetAutoSaveHook(inst.autoSaveHook)

		layersPath := filepath.Join(saveRoot, rec.LayersDir, "session.json")
		if data, err := os.ReadFile(layersPath); err == nil {
			var privateSnap memory.Snapshot
			if err := json.Unmarshal(data, &privateSnap); err == nil {
				memory.Hydrate(privateSnap, map[string]*memory.DictLayer{"session": s.PrivateLayer})
			}
		}

		inst.sessionsByID[sid] = s
	}

	if manifest.MainSessionID != "" {
		if _, ok := inst.sessionsByID[manifest.MainSessionID]; ok {
			inst.mainSessionID = manifest.MainSessionID
		}
	} else if len(sessionIDs) > 0 {
		logging.Debug().Msg("app: no mainSessionId in manifest, selecting first session deterministically")
		inst.mainSessionID = sessionIDs[0]
	}

	return inst, nil
}
