package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/turnix/turnix/internal/view"
)

const clientIDCookieMaxAge = 30 * 24 * time.Hour

type bootstrapRequest struct {
	ViewKind string `json:"viewKind,omitempty"`
}

type bootstrapResponse struct {
	ViewID    string `json:"viewId"`
	ViewToken string `json:"viewToken"`
	ViewKind  string `json:"viewKind"`
	ServerGen int64  `json:"serverGen"`
}

// bootstrap mints/refreshes the clientId cookie and the view's token
// (spec §6, `POST /api/bootstrap`).
func (s *Server) bootstrap(w http.ResponseWriter, r *http.Request) {
	var req bootstrapRequest
	if r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	clientID, isNew, err := s.resolveClientIDCookie(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if isNew {
		http.SetCookie(w, &http.Cookie{
			Name:     "clientId",
			Value:    clientID,
			Path:     "/",
			HttpOnly: true,
			Secure:   s.config.CookieSecure,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   int(clientIDCookieMaxAge.Seconds()),
		})
	}

	opts := []view.Option{}
	if req.ViewKind != "" {
		opts = append(opts, view.WithViewKind(req.ViewKind))
	}
	v, token, err := s.views.GetOrCreateForClient(clientID, opts...)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, bootstrapResponse{
		ViewID:    v.ID(),
		ViewToken: token,
		ViewKind:  v.Snapshot().ViewKind,
		ServerGen: s.nextServerGen(),
	})
}

func (s *Server) resolveClientIDCookie(r *http.Request) (clientID string, isNew bool, err error) {
	if c, cerr := r.Cookie("clientId"); cerr == nil && c.Value != "" {
		return c.Value, false, nil
	}
	id, err := view.NewClientID()
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}
