// Package client is a WebSocket client for load testing the signaling
// server. It connects with gobwas/ws, records the handle announced in
// session-created and dispatches server messages to per-type handlers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types.
const (
	TypeFindMatch    = "find-match"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeChatMessage  = "chat-message"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session-created"
	TypeWaitingForMatch = "waiting-for-match"
	TypeMatchFound      = "match-found"
	TypePartnerLeft     = "partner-left"
	TypeRateLimited     = "rate-limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until session-created
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated user.
type Client struct {
	conn      net.Conn
	start     time.Time
	session   chan struct{}
	sessionID string

	mu       sync.Mutex // guards writes, metrics and handlers
	metrics  Metrics
	handlers map[string]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts the read loop.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		start:    start,
		session:  make(chan struct{}),
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// On registers the handler for a server message type, replacing any
// previous one. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForSession blocks until session-created arrives.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	}
}

// SessionID returns the connection handle, or "" before session-created.
func (c *Client) SessionID() string {
	select {
	case <-c.session:
		return c.sessionID
	default:
		return ""
	}
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeSessionCreated && c.sessionID == "" && envelope.SessionID != "" {
			c.sessionID = envelope.SessionID
			c.metrics.ConnectLatency = time.Since(c.start)
			close(c.session)
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
