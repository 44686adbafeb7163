package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turnix/turnix/internal/logging"
	"github.com/turnix/turnix/internal/tracing"
)

var traceUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// traceStream mounts the devtools channel: on accept it sends every
// buffered snapshot record, then streams new records as they're emitted
// (spec §6, `/ws/trace`).
func (s *Server) traceStream(w http.ResponseWriter, r *http.Request) {
	conn, err := traceUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("server: trace websocket upgrade failed")
		return
	}
	defer conn.Close()

	snapshot, records, cancel := tracing.Global().Subscribe()
	defer cancel()

	for _, rec := range snapshot {
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
	}

	// Drain client frames (pings/close) without blocking the write side.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}
