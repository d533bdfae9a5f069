package ws

import (
	"encoding/json"
	"log"
	"time"

	"github.com/huddle/chat-backend/internal/fault"
	"github.com/huddle/chat-backend/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.SendMessageMsg). A non-nil
// return error is translated into a structured error response carrying the
// request's ref, using the fault kind as the wire code.
type MessageHandler func(conn *Connection, msg interface{}) error

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers based on the message type. It handles the built-in ping/pong
// keepalive internally, translates handler faults into wire error codes,
// and sends structured error responses for malformed or unsupported
// messages.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher bound to the given
// server. The server reference is used to send responses back to clients.
func NewMessageDispatcher(server *Server) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports
// the initialization pattern where the dispatcher is created before the
// server (since NewServer requires the Dispatch callback).
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with a message type. If a handler
// was already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed message, handles ping internally, and routes all
// other types to the registered handler. Parse errors, unregistered
// types, and handler faults result in an error message sent back to the
// client with the request's ref echoed.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	ref := refOf(data)

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, ref, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler, responds immediately without registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, ref, "unsupported_type", "unsupported message type")
		return
	}

	if err := handler(conn, msg); err != nil {
		d.SendFault(conn, ref, err)
	}
}

// SendFault translates a handler error into a wire error response. Faults
// carry their kind as the stable wire code; throttled faults are sent as a
// rate_limited message instead so clients can back off. Unknown errors map
// to the generic "internal" code without leaking detail.
func (d *MessageDispatcher) SendFault(conn *Connection, ref string, err error) {
	kind := fault.KindOf(err)

	if kind == fault.KindThrottled {
		d.SendRateLimited(conn, ref, fault.RetryAfterOf(err))
		return
	}

	code := kind.String()
	message := err.Error()
	if kind == fault.KindUnknown {
		log.Printf("ws: internal error conn=%s: %v", conn.ID, err)
		code = "internal"
		message = "internal error"
	}

	d.sendError(conn, ref, code, message)
}

// SendRateLimited informs the client that an operation quota was exceeded
// and when it may retry.
func (d *MessageDispatcher) SendRateLimited(conn *Connection, ref string, retryAfter time.Duration) {
	secs := int(retryAfter / time.Second)
	if secs < 1 {
		secs = 1
	}

	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		Ref:        ref,
		RetryAfter: secs,
	})
	if err != nil {
		log.Printf("ws: failed to build rate_limited message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send rate_limited message conn=%s: %v", conn.ID, err)
	}
}

// sendError sends a structured error message back to the client. Errors
// during message construction or transmission are logged but not
// propagated.
func (d *MessageDispatcher) sendError(conn *Connection, ref string, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Ref:     ref,
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong message and records the
// keepalive as activity for the heartbeat's liveness check.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}

// refOf extracts the optional "ref" correlation id from a raw client
// payload so error responses can carry it even when full parsing fails.
func refOf(data []byte) string {
	var partial struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return ""
	}
	return partial.Ref
}
