package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/turnix/turnix/internal/packs"
)

// modManifest is one entry of `GET /views/{viewId}/mods/index`'s
// modManifests array.
type modManifest struct {
	ID          string `json:"id"`
	Author      string `json:"author"`
	Version     string `json:"version,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
}

type modsIndexResponse struct {
	ModManifests []modManifest `json:"modManifests"`
	Meta         modsIndexMeta `json:"meta"`
}

type modsIndexMeta struct {
	Count  int      `json:"count"`
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) modsIndex(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewId")
	if _, ok := s.views.ByID(viewID); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "view not found")
		return
	}

	var manifests []modManifest
	for _, d := range s.packRegistry().All() {
		if d.Kind != packs.KindMod {
			continue
		}
		manifests = append(manifests, modManifest{
			ID:          d.PackTreeID,
			Author:      d.EffectiveAuthor,
			Version:     d.EffectiveVersion,
			Name:        d.Manifest.Name,
			Description: d.Manifest.Description,
			Visibility:  d.Manifest.Visibility,
		})
	}

	writeJSON(w, http.StatusOK, modsIndexResponse{
		ModManifests: manifests,
		Meta:         modsIndexMeta{Count: len(manifests)},
	})
}

// modsRescan re-walks every content root and swaps in a fresh registry,
// invalidating the discovery cache, then responds exactly like modsIndex
// (spec §6).
func (s *Server) modsRescan(w http.ResponseWriter, r *http.Request) {
	descs, err := packs.NewDiscovery(s.roots).Scan()
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	fresh := packs.NewRegistry()
	var errs []string
	for _, d := range descs {
		if err := fresh.Add(d); err != nil {
			errs = append(errs, err.Error())
		}
	}
	s.replacePackRegistry(fresh)

	var manifests []modManifest
	for _, d := range fresh.All() {
		if d.Kind != packs.KindMod {
			continue
		}
		manifests = append(manifests, modManifest{
			ID:          d.PackTreeID,
			Author:      d.EffectiveAuthor,
			Version:     d.EffectiveVersion,
			Name:        d.Manifest.Name,
			Description: d.Manifest.Description,
			Visibility:  d.Manifest.Visibility,
		})
	}

	writeJSON(w, http.StatusOK, modsIndexResponse{
		ModManifests: manifests,
		Meta:         modsIndexMeta{Count: len(manifests), Errors: errs},
	})
}

// modsLoad streams a file out of a mod's pack root (spec §6, "file stream,
// Cache-Control: no-store"). The requested path is confined to the mod's
// own PackRoot to reject any "../" escape.
func (s *Server) modsLoad(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewId")
	if _, ok := s.views.ByID(viewID); !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "view not found")
		return
	}

	modID := chi.URLParam(r, "modId")
	relPath := chi.URLParam(r, "*")

	var mod *packs.Descriptor
	for _, d := range s.packRegistry().ByPackTreeID(modID) {
		if d.Kind == packs.KindMod {
			mod = d
			break
		}
	}
	if mod == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "mod not found")
		return
	}

	full := filepath.Join(mod.PackRoot, filepath.Clean("/"+relPath))
	if !strings.HasPrefix(full, filepath.Clean(mod.PackRoot)+string(os.PathSeparator)) {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path escapes mod root")
		return
	}

	f, err := os.Open(full)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "file not found")
		return
	}
	defer f.Close()

	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}
