package rpc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/turnix/turnix/internal/capability"
	"github.com/turnix/turnix/internal/logging"
	"github.com/turnix/turnix/internal/view"
)

// ErrInvariantViolation marks a class of bug that should never happen in a
// correctly-running engine: a token the registry itself just validated
// resolving to no View. It is logged loudly and the offending connection is
// dropped, but the process keeps serving every other connection.
var ErrInvariantViolation = errors.New("rpc: invariant violation")

const (
	protocolVersion = 1
	maxFrameBytes   = 1 << 20 // ~1 MB, spec §4.5 FRAME_TOO_LARGE
	writeWait       = 10 * time.Second
	heartbeatIdle   = 60 * time.Second
)

// Transport mounts the WebSocket RPC endpoint described in spec §4.5. It
// owns no domain state itself; every request/emit/subscribe is dispatched
// through the capability router, and connection identity is resolved
// through the view registry.
type Transport struct {
	views    *view.Registry
	router   *capability.Router
	conns    *Manager
	upgrader websocket.Upgrader
}

func NewTransport(views *view.Registry, router *capability.Router) *Transport {
	return &Transport{
		views:  views,
		router: router,
		conns:  NewManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a WebSocket, minting a clientId cookie
// if the request arrives without one (spec §4.4, §6).
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID, setCookie, err := resolveClientID(r)
	if err != nil {
		http.Error(w, "rpc: failed to mint clientId", http.StatusInternalServerError)
		return
	}

	responseHeader := http.Header{}
	if setCookie != nil {
		responseHeader.Add("Set-Cookie", setCookie.String())
	}

	conn, err := t.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		logging.Warn().Err(err).Msg("rpc: websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sock := &socket{conn: conn, clientID: clientID, transport: t}
	sock.run()
}

func resolveClientID(r *http.Request) (string, *http.Cookie, error) {
	if c, err := r.Cookie("clientId"); err == nil && c.Value != "" {
		return c.Value, nil, nil
	}
	clientID, err := view.NewClientID()
	if err != nil {
		return "", nil, err
	}
	cookie := &http.Cookie{
		Name:     "clientId",
		Value:    clientID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
	}
	return clientID, cookie, nil
}

// socket is the per-connection dispatch loop: one goroutine reads frames
// and fans work out, while writes are serialized through writeMu.
type socket struct {
	conn      *websocket.Conn
	clientID  string
	transport *Transport

	writeMu sync.Mutex

	view *view.View
	rc   *Connection

	seqMu sync.Mutex
	seqs  map[string]int
}

func (s *socket) run() {
	defer func() {
		if s.rc != nil {
			s.rc.CancelAll()
		}
		_ = s.conn.Close()
	}()

	if !s.handshake() {
		return
	}

	stop := make(chan struct{})
	defer close(stop)
	go s.watchHeartbeat(stop)

	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		msg.FillDefaults()
		s.dispatch(msg)
	}
}

// watchHeartbeat closes the socket once heartbeatIdle elapses without a
// heartbeat frame (spec §5, "heartbeat absence beyond a configured
// threshold -> the server closes the connection").
func (s *socket) watchHeartbeat(stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatIdle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if time.Since(s.rc.LastHeartbeat()) > heartbeatIdle {
				_ = s.conn.Close()
				return
			}
		}
	}
}

// handshake blocks until a valid hello arrives and replies with welcome.
// Every message type before that is dropped (spec §4.5).
func (s *socket) handshake() bool {
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			return false
		}
		if msg.Type != TypeHello {
			continue
		}

		viewID, _ := msg.Payload["viewId"].(string)
		viewToken, _ := msg.Payload["viewToken"].(string)

		var v *view.View
		var err error
		if viewID != "" && s.transport.views.ValidateToken(viewID, s.clientID, viewToken) {
			v, _ = s.transport.views.ByID(viewID)
			if v == nil {
				// The registry just validated this token against viewID, so
				// ByID failing here means the two disagree about what
				// exists. Not recoverable for this connection, but no
				// reason to take the rest of the engine down with it.
				logging.Error().Err(ErrInvariantViolation).Str("viewId", viewID).
					Msg("rpc: validated view token resolved to no view")
				return false
			}
		} else {
			// viewToken absent or stale: rebind by clientId, minting a
			// fresh token the client picks up on its next HTTP bootstrap.
			v, _, err = s.transport.views.GetOrCreateForClient(s.clientID)
			if err != nil {
				logging.Warn().Err(err).Msg("rpc: failed to bind client to view")
				return false
			}
		}
		if v == nil {
			return false
		}
		s.view = v

		rc, err := s.transport.conns.GetOrCreate(v.ID(), s.clientID)
		if err != nil {
			logging.Warn().Err(err).Msg("rpc: failed to create connection generation")
			return false
		}
		s.rc = rc
		s.seqs = map[string]int{}

		welcome := Message{
			V:    protocolVersion,
			ID:   newMessageID(),
			Type: TypeWelcome,
			Gen:  genPtr(rc.Generation()),
			Payload: map[string]any{
				"view": v.Snapshot(),
			},
		}
		s.send(welcome)
		return true
	}
}

func newMessageID() string { return ulid.Make().String() }

func genPtr(g Gen) *Gen { return &g }

// dispatch routes one post-handshake frame per spec §4.5's dispatch rules.
func (s *socket) dispatch(msg Message) {
	if msg.Gen != nil && s.rc.IsStale(*msg.Gen) {
		return
	}
	if msg.Type != TypeAck {
		s.send(newAckMessage(msg.ID))
	}

	switch msg.Type {
	case TypeHeartbeat:
		s.rc.Touch()

	case TypeClientReady:
		if msg.Gen != nil {
			s.rc.MarkClientReady(msg.Gen.Num)
		}
		if len(msg.Payload) > 0 {
			s.view.PatchState(msg.Payload)
		}

	case TypeCancel, TypeUnsubscribe:
		s.rc.CancelPending(msg.CorrelatesTo)
		s.rc.CancelSubscription(msg.CorrelatesTo)

	case TypeRequest:
		s.handleRequest(msg)

	case TypeSubscribe:
		s.handleSubscribe(msg)

	case TypeEmit:
		s.handleEmit(msg)
	}
}

func (s *socket) callContext(msg Message) capability.CallContext {
	return capability.CallContext{
		ID:        msg.ID,
		Principal: s.clientID,
		Origin: map[string]any{
			"viewId": s.view.ID(),
		},
	}
}

// codedError is implemented by errors that already carry a wire error code
// (e.g. permission.DeniedError); those propagate verbatim (spec §7).
type codedError interface {
	Code() string
}

func errorCode(ctx context.Context, err error) string {
	if ctx.Err() == context.DeadlineExceeded {
		return "TIMEOUT"
	}
	if ce, ok := err.(codedError); ok {
		return ce.Code()
	}
	return "UNKNOWN_ERROR"
}

func (s *socket) capabilityName(route *Route) string {
	if route == nil {
		return ""
	}
	if route.Capability != "" {
		return route.Capability
	}
	return route.Object
}

func (s *socket) handleRequest(msg Message) {
	if cached, ok := s.rc.CachedReply(msg.IdempotencyKey); ok {
		s.send(cached)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if msg.BudgetMs > 0 {
		var budgetCancel context.CancelFunc
		ctx, budgetCancel = context.WithTimeout(ctx, time.Duration(msg.BudgetMs)*time.Millisecond)
		outer := cancel
		cancel = func() { budgetCancel(); outer() }
	}
	s.rc.RegisterPending(msg.ID, cancel)

	go func() {
		defer func() {
			s.rc.ResolvePending(msg.ID)
			cancel()
		}()

		capName := s.capabilityName(msg.Route)
		result, err := s.transport.router.RouteRequest(ctx, capName, msg.Path, msg.Args, s.callContext(msg))

		var reply Message
		if err != nil {
			reply = newErrorMessage(msg.ID, errorCode(ctx, err), err.Error())
		} else {
			payload, ok := result.(map[string]any)
			if !ok && result != nil {
				payload = map[string]any{"result": result}
			}
			reply = newReplyMessage(msg.ID, payload)
		}
		reply.Gen = genPtr(s.rc.Generation())
		reply.Lane = msg.Lane

		if ctx.Err() != nil {
			return
		}
		s.rc.RememberReply(msg.IdempotencyKey, reply)
		s.send(reply)
	}()
}

func (s *socket) handleSubscribe(msg Message) {
	ctx, cancel := context.WithCancel(context.Background())
	capName := s.capabilityName(msg.Route)

	push := func(event map[string]any) {
		s.seqMu.Lock()
		s.seqs[msg.ID]++
		seq := s.seqs[msg.ID]
		s.seqMu.Unlock()

		update := newStateUpdateMessage(msg.ID, seq, event)
		update.Gen = genPtr(s.rc.Generation())
		update.Lane = msg.Lane
		s.send(update)
	}

	sub, err := s.transport.router.RouteSubscribe(ctx, capName, msg.Path, msg.Payload, s.callContext(msg), push)
	if err != nil {
		cancel()
		errMsg := newErrorMessage(msg.ID, "CAPABILITY_ERROR", err.Error())
		errMsg.Gen = genPtr(s.rc.Generation())
		s.send(errMsg)
		return
	}

	s.rc.RegisterSubscription(msg.ID, func() {
		cancel()
		sub.OnCancel()
	})

	if sub.Initial != nil {
		push(sub.Initial)
	}
}

func (s *socket) handleEmit(msg Message) {
	capName := s.capabilityName(msg.Route)
	s.transport.router.RouteEmit(context.Background(), capName, msg.Path, msg.Payload, s.callContext(msg))
}

func (s *socket) send(msg Message) {
	if msg.V == 0 {
		msg.V = protocolVersion
	}
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	msg.Ts = time.Now().UnixMilli()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		logging.Debug().Err(err).Msg("rpc: write failed")
	}
}
