//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
)

// poller is the portable fallback: one goroutine per connection peeks at
// its buffered reader and reports the connection ready. After a report the
// goroutine waits for Resume, so it never touches the reader while a worker
// is reading a frame.
type poller struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

func newPoller() (*poller, error) {
	return &poller{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// bufferedConn lets the monitor peek without consuming bytes the frame
// reader needs.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

// prepare wraps conn so that it can be peeked. There is no descriptor.
func prepare(conn net.Conn) (net.Conn, int) {
	return &bufferedConn{Conn: conn, r: bufio.NewReader(conn)}, -1
}

// Add starts monitoring c.
func (p *poller) Add(c *Connection) error {
	bc, ok := c.Conn.(*bufferedConn)
	if !ok {
		return errors.New("ws: connection was not prepared")
	}
	resume := make(chan struct{}, 1)

	p.mu.Lock()
	p.resume[c] = resume
	p.mu.Unlock()

	go p.monitor(c, bc, resume)
	return nil
}

func (p *poller) monitor(c *Connection, bc *bufferedConn, resume chan struct{}) {
	for {
		// Peek returns on data or on a read error; either way the server's
		// read path handles it.
		_, err := bc.r.Peek(1)

		select {
		case p.readyCh <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Remove stops monitoring c.
func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	if ch, ok := p.resume[c]; ok {
		delete(p.resume, c)
		close(ch)
	}
	p.mu.Unlock()
	return nil
}

// Resume lets the monitor of c look for the next frame.
func (p *poller) Resume(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.resume[c]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until at least one connection is ready and drains any others
// that are already queued.
func (p *poller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-p.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close stops all monitors.
func (p *poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func isEINTR(error) bool { return false }
