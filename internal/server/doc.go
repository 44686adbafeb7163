// Package server provides the HTTP and WebSocket surface described in
// spec §6.
//
// # Core components
//
//   - HTTP: Chi-based router with request-id/logging/recovery/CORS
//     middleware, `/api/bootstrap` for the clientId/viewToken handshake,
//     and `/views/{viewId}/mods/*` for mod manifest discovery/streaming.
//   - WebSocket: `/ws` mounts the RPC transport (spec §4.5); `/ws/trace`
//     streams the tracing hub's ring buffer to devtools clients.
//   - Static mount: served at `/` last, so it never shadows API routes.
//
// # Usage
//
//	cfg := server.DefaultConfig()
//	srv := server.New(cfg, deps)
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Shutdown(context.Background())
package server
