package ws

import (
	"log"
	"time"

	"github.com/duet/roulette/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage (protocol.FindMatchMsg,
// protocol.OfferMsg, ...).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to handlers by message type. Ping
// is answered internally; malformed frames and unregistered types get an
// error reply and change no state.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error session=%s: %v", conn.ID, err)
		d.SendError(conn, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.Reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported message type=%q session=%s", msgType, conn.ID)
		d.SendError(conn, "unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Reply queues a server message on conn. Failures are logged.
func (d *MessageDispatcher) Reply(conn *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message session=%s: %v", msgType, conn.ID, err)
		return
	}

	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send %s message session=%s: %v", msgType, conn.ID, err)
	}
}

// SendError sends an error message to conn.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.Reply(conn, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// SendRateLimited tells conn to retry after the given delay, rounded up to
// whole seconds.
func (d *MessageDispatcher) SendRateLimited(conn *Connection, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	d.Reply(conn, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: secs})
}
