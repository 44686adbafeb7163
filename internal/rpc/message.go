// Package rpc implements the WebSocket transport described in spec §4.5:
// a single bidirectional message envelope carrying request/reply,
// emit, subscribe/stateUpdate, and control traffic, multiplexed over one
// connection per (view, client).
package rpc

// Type is the message's frame kind (spec §4.5).
type Type string

const (
	TypeHello        Type = "hello"
	TypeWelcome      Type = "welcome"
	TypeClientReady  Type = "clientReady"
	TypeAck          Type = "ack"
	TypeHeartbeat    Type = "heartbeat"
	TypeRequest      Type = "request"
	TypeReply        Type = "reply"
	TypeEmit         Type = "emit"
	TypeSubscribe    Type = "subscribe"
	TypeStateUpdate  Type = "stateUpdate"
	TypeUnsubscribe  Type = "unsubscribe"
	TypeCancel       Type = "cancel"
	TypeError        Type = "error"
)

// Gen is the connection generation counter: every reconnect of the same
// (view, client) increments Num and re-rolls Salt (spec §4.5,
// "stale-generation frames are dropped").
type Gen struct {
	Num  int    `json:"num"`
	Salt string `json:"salt"`
}

// Route names the capability/object a request, emit, or subscribe targets.
// Exactly one of Capability or Object is expected to be set.
type Route struct {
	Capability string `json:"capability,omitempty"`
	Object     string `json:"object,omitempty"`
}

const (
	laneNoRoute = "noValidRouteLane"
	laneNoLane  = "noLaneSet"
)

// Lane derives the fan-out lane a message belongs to: per-capability,
// per-object, or one of the two sentinel lanes when no route is present
// (spec §4.5, "ordering is only guaranteed within a lane").
func (r *Route) Lane() string {
	if r == nil {
		return laneNoLane
	}
	switch {
	case r.Capability != "":
		return "cap:" + r.Capability
	case r.Object != "":
		return "obj:" + r.Object
	default:
		return laneNoRoute
	}
}

// Message is the single wire envelope for every frame exchanged over the
// connection (spec §4.5). Fields are sparse per Type; unused fields are
// omitted on the wire.
type Message struct {
	V              int            `json:"v"`
	ID             string         `json:"id,omitempty"`
	Type           Type           `json:"type"`
	CorrelatesTo   string         `json:"correlatesTo,omitempty"`
	Gen            *Gen           `json:"gen,omitempty"`
	Ts             int64          `json:"ts,omitempty"`
	BudgetMs       int            `json:"budgetMs,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Route          *Route         `json:"route,omitempty"`
	Op             string         `json:"op,omitempty"`
	Path           string         `json:"path,omitempty"`
	Args           []any          `json:"args,omitempty"`
	Seq            int            `json:"seq,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Lane           string         `json:"lane,omitempty"`
	Error          *ErrorPayload  `json:"error,omitempty"`
}

// ErrorPayload is the body of a TypeError message or a failed reply.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FillDefaults derives Lane from Route when the sender left it unset,
// mirroring the validator the wire model used on the other side of this
// transport.
func (m *Message) FillDefaults() {
	if m.Lane == "" {
		m.Lane = m.Route.Lane()
	}
}

func newErrorMessage(correlatesTo, code, msg string) Message {
	return Message{
		V:            1,
		Type:         TypeError,
		CorrelatesTo: correlatesTo,
		Error:        &ErrorPayload{Code: code, Message: msg},
	}
}

func newReplyMessage(correlatesTo string, payload map[string]any) Message {
	return Message{V: 1, Type: TypeReply, CorrelatesTo: correlatesTo, Payload: payload}
}

func newAckMessage(correlatesTo string) Message {
	return Message{V: 1, Type: TypeAck, CorrelatesTo: correlatesTo}
}

func newStateUpdateMessage(correlatesTo string, seq int, payload map[string]any) Message {
	return Message{V: 1, Type: TypeStateUpdate, CorrelatesTo: correlatesTo, Seq: seq, Payload: payload}
}
