package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// setupRoutes configures every route (spec §6). The static mount is
// registered last so it never shadows an API route.
func (s *Server) setupRoutes() {
	r := s.router

	r.Post("/api/bootstrap", s.bootstrap)

	r.Route("/views/{viewId}/mods", func(r chi.Router) {
		r.Get("/index", s.modsIndex)
		r.Get("/rescan", s.modsRescan)
		r.Get("/load/{modId}/*", s.modsLoad)
	})

	r.Get("/ws", s.rpc.ServeHTTP)
	r.Get("/ws/trace", s.traceStream)

	if s.config.StaticDir != "" {
		fileServer := http.FileServer(http.Dir(s.config.StaticDir))
		r.Handle("/*", http.StripPrefix("/", fileServer))
	}
}
