// Package server provides the HTTP server for the Turnix engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/turnix/turnix/internal/capability"
	"github.com/turnix/turnix/internal/packs"
	"github.com/turnix/turnix/internal/permission"
	"github.com/turnix/turnix/internal/rpc"
	"github.com/turnix/turnix/internal/tracing"
	"github.com/turnix/turnix/internal/view"
)

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	StaticDir    string // served at "/", mounted last
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CookieSecure bool
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout: WebSocket/trace connections are long-lived
	}
}

// Deps bundles the process-global services the HTTP surface dispatches
// into (spec §5, "shared state policy").
type Deps struct {
	Views        *view.Registry
	Capabilities *capability.Registry
	Permissions  *permission.Manager
	Packs        *packs.Registry
	Roots        *packs.RootsService
	Tracer       *tracing.Tracer
}

// Server is the HTTP/WebSocket server.
type Server struct {
	config *Config
	router *chi.Mux
	httpSrv *http.Server

	views        *view.Registry
	capabilities *capability.Registry
	capRouter    *capability.Router
	roots        *packs.RootsService
	tracer       *tracing.Tracer

	packsMu sync.RWMutex
	packs   *packs.Registry

	rpc        *rpc.Transport
	serverGen  int64
}

// New builds a Server wired to deps, sets up middleware, and registers
// every route (spec §6).
func New(cfg *Config, deps Deps) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:       cfg,
		router:       r,
		views:        deps.Views,
		capabilities: deps.Capabilities,
		capRouter:    capability.NewRouter(deps.Capabilities, deps.Permissions),
		roots:        deps.Roots,
		tracer:       deps.Tracer,
		packs:        deps.Packs,
	}
	s.rpc = rpc.NewTransport(deps.Views, s.capRouter)

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router, for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) packRegistry() *packs.Registry {
	s.packsMu.RLock()
	defer s.packsMu.RUnlock()
	return s.packs
}

// replacePackRegistry swaps in a freshly-scanned registry, invalidating the
// discovery cache (spec §6, `GET /views/{viewId}/mods/rescan`).
func (s *Server) replacePackRegistry(r *packs.Registry) {
	s.packsMu.Lock()
	s.packs = r
	s.packsMu.Unlock()
}

func (s *Server) nextServerGen() int64 {
	return atomic.AddInt64(&s.serverGen, 1)
}
