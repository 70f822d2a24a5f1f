// Package ws runs the WebSocket side of the signaling server: it upgrades
// HTTP connections with gobwas/ws, watches sockets for readability with
// epoll (or a portable fallback), reads one frame per connection at a time
// on a bounded worker pool and hands complete text frames to a dispatcher.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/duet/roulette/internal/metrics"
	"github.com/duet/roulette/internal/protocol"
)

// ErrConnectionNotFound is returned by SendMessage for unknown handles.
var ErrConnectionNotFound = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted data frame, in bytes
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig

	// TrustedProxies are the peers whose forwarding headers are believed.
	TrustedProxies []netip.Prefix
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxMessageSize: 64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// AdmitFunc decides whether a new connection from ip may be upgraded. When
// it refuses, retryAfter is sent back in the Retry-After header.
type AdmitFunc func(ip string) (ok bool, retryAfter time.Duration)

// Server is the WebSocket server. Every connection gets a fresh UUID handle
// that is announced to the client in session-created and passed to the
// connect, message and disconnect callbacks.
type Server struct {
	config     ServerConfig
	poll       *poller
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers

	onMessage    func(conn *Connection, data []byte)
	onConnect    func(connID string)
	onDisconnect func(connID string)
	admit        AdmitFunc
	stats        func() (waiting, rooms int)

	mux        *http.ServeMux
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete data frame; frames of one connection are never handled
// concurrently.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create poller: %w", err)
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}

	s := &Server{
		config:     config,
		poll:       p,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		mux:        http.NewServeMux(),
		done:       make(chan struct{}),
	}

	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// SetOnConnect registers a callback invoked for each new connection before
// any of its frames is read.
func (s *Server) SetOnConnect(fn func(connID string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once when a connection is
// removed (read error, close frame, heartbeat timeout or shutdown).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetAdmission installs a per-IP admission check for new connections.
func (s *Server) SetAdmission(fn AdmitFunc) {
	s.admit = fn
}

// SetStats installs the source of the pool and room counts for /health.
func (s *Server) SetStats(fn func() (waiting, rooms int)) {
	s.stats = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It starts the poll loop and the
// heartbeat and blocks until the HTTP server stops.
func (s *Server) Serve(ln net.Listener) error {
	s.startedAt = time.Now()

	go s.startEventLoop()
	go s.runHeartbeat(s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		ln.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade applies the connection cap and the admission check, upgrades
// the request and registers the new connection.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r, s.config.TrustedProxies)
	if s.admit != nil {
		if ok, retryAfter := s.admit(ip); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			log.Printf("ws: connection from %s rate limited", ip)
			return
		}
	}

	raw, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	conn, fd := prepare(raw)
	c := newConnection(uuid.New().String(), conn, ip)
	c.Fd = fd

	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go s.runWriter(c)
	if s.onConnect != nil {
		s.onConnect(c.ID)
	}

	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: c.ID,
	})
	if err != nil {
		log.Printf("ws: failed to build session-created for session %s: %v", c.ID, err)
	} else if err := c.Send(sessionMsg); err != nil {
		log.Printf("ws: failed to send session-created for session %s: %v", c.ID, err)
	}

	if err := s.poll.Add(c); err != nil {
		log.Printf("ws: poller add failed for session %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection session=%s ip=%s (total=%d)", c.ID, ip, s.conns.Count())
}

// handleHealth reports liveness, the connection count and, when a stats
// source is set, the pool and room counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Waiting     int    `json:"waiting"`
		Rooms       int    `json:"rooms"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.stats != nil {
		resp.Waiting, resp.Rooms = s.stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop waits for readable connections and hands each to a worker,
// blocking when the worker pool is full.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			log.Printf("ws: poll wait error: %v", err)
			continue
		}

		for _, c := range ready {
			s.workerPool <- struct{}{}
			go func(c *Connection) {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}(c)
		}
	}
}

// handleConn reads one frame from a readable connection. Control frames are
// answered or discarded in place; data frames go to onMessage. Any read
// failure other than a timeout removes the connection.
func (s *Server) handleConn(c *Connection) {
	// Level-triggered epoll may report a connection that is still being read.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.poll.Resume(c)
	}()

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	c.touch(time.Now())

	if header.OpCode.IsControl() {
		payload, err := io.ReadAll(reader)
		_ = c.Conn.SetReadDeadline(time.Time{})
		if err != nil || header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
			return
		}
		if header.OpCode == ws.OpPing {
			if err := c.enqueue(frame{op: ws.OpPong, payload: payload}); err != nil {
				log.Printf("ws: pong not queued session=%s: %v", c.ID, err)
			}
		}
		return
	}

	if s.config.MaxMessageSize > 0 && header.Length > s.config.MaxMessageSize {
		log.Printf("ws: frame of %d bytes from session=%s exceeds limit, closing", header.Length, c.ID)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c and runs the disconnect
// callback. It is safe to call more than once for the same connection.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.poll.Remove(c)

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage queues a text frame for the connection with the given handle.
// It never waits on the socket. A connection whose queue is full is not
// keeping up and is removed. It is safe for concurrent use.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	if err := c.Send(data); err != nil {
		if errors.Is(err, ErrSendQueueFull) {
			log.Printf("ws: send queue full session=%s, closing", c.ID)
			s.RemoveConnection(c)
		}
		return fmt.Errorf("send to %s: %w", connID, err)
	}
	return nil
}

// runWriter owns all writes to c. A failed write removes the connection.
func (s *Server) runWriter(c *Connection) {
	if err := c.writeLoop(s.config.WriteTimeout); err != nil {
		select {
		case <-c.closed:
		default:
			log.Printf("ws: write failed session=%s: %v", c.ID, err)
		}
		s.RemoveConnection(c)
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, stops the poll loop and removes
// every live connection, running the disconnect callback for each.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.stopOnce.Do(func() { close(s.done) })

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if err := s.poll.Close(); err != nil {
		return fmt.Errorf("ws: close poller: %w", err)
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// ParseTrustedProxies parses a comma-separated list of addresses and CIDRs.
func ParseTrustedProxies(list string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, fmt.Errorf("ws: trusted proxy %q: %w", item, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, fmt.Errorf("ws: trusted proxy %q: %w", item, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// clientIP returns the socket peer address. When the peer is a trusted
// proxy, X-Forwarded-For is walked from the right and the first hop that is
// not a trusted proxy wins; X-Real-IP is the fallback.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		hops := strings.Split(fwd, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
