package ws

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// sendQueueSize is the number of frames a connection may have waiting for
// its writer. A peer that lets the queue fill up is disconnected.
const sendQueueSize = 256

// ErrSendQueueFull is returned when a connection's outbound queue is full.
var ErrSendQueueFull = errors.New("ws: send queue full")

// errConnectionClosed is returned when queueing to a closed connection.
var errConnectionClosed = errors.New("ws: connection closed")

// frame is one outbound WebSocket frame.
type frame struct {
	op      ws.OpCode
	payload []byte
}

// Connection is one WebSocket client. Its ID is the ephemeral handle the
// matching engine knows the user by.
type Connection struct {
	ID        string   // connection handle (UUID)
	Conn      net.Conn // underlying TCP connection, possibly buffered
	Fd        int      // file descriptor on linux, -1 elsewhere
	RemoteIP  string
	CreatedAt time.Time

	lastActive int64 // unix nanos of the last frame received, atomic
	processing int32 // atomic flag: 0 = idle, 1 = being read by handleConn

	// send is drained by the connection's writer goroutine, the only
	// goroutine that writes to Conn.
	send      chan frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(id string, conn net.Conn, remoteIP string) *Connection {
	now := time.Now()
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        -1,
		RemoteIP:  remoteIP,
		CreatedAt: now,
		send:      make(chan frame, sendQueueSize),
		closed:    make(chan struct{}),
	}
	c.touch(now)
	return c
}

func (c *Connection) touch(t time.Time) {
	atomic.StoreInt64(&c.lastActive, t.UnixNano())
}

// LastActive returns the time the last frame was received.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

// Send queues a text frame for the writer. It never blocks.
func (c *Connection) Send(data []byte) error {
	return c.enqueue(frame{op: ws.OpText, payload: data})
}

func (c *Connection) enqueue(f frame) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// writeLoop writes queued frames until the connection closes or a write
// fails. A positive timeout bounds each write.
func (c *Connection) writeLoop(timeout time.Duration) error {
	for {
		select {
		case <-c.closed:
			return nil
		case f := <-c.send:
			if timeout > 0 {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			if err := wsutil.WriteServerMessage(c.Conn, f.op, f.payload); err != nil {
				return err
			}
		}
	}
}

// Close closes the underlying network connection and stops the writer.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections by handle.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters and closes the connection with the given handle.
// It returns false if the connection was already gone, so racing callers
// (read error and heartbeat timeout) clean up only once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given handle, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
