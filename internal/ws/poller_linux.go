//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// poller wraps Linux epoll. Connections are registered by file descriptor
// and handed back by Wait when the kernel reports them readable, so no
// goroutine is parked per connection.
type poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// prepare is the platform hook applied to a freshly upgraded connection.
// On linux the socket is used as is.
func prepare(conn net.Conn) (net.Conn, int) {
	return conn, socketFD(conn)
}

// Add registers c for read readiness (level-triggered).
func (p *poller) Add(c *Connection) error {
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()
	return nil
}

// Remove unregisters c. The map entry is dropped even when the kernel has
// already forgotten the descriptor.
func (p *poller) Remove(c *Connection) error {
	p.mu.Lock()
	if cur, ok := p.conns[c.Fd]; ok && cur == c {
		delete(p.conns, c.Fd)
	}
	p.mu.Unlock()
	return unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
}

// Resume is a no-op: level-triggered epoll reports unread data again.
func (p *poller) Resume(*Connection) {}

// Wait blocks until at least one registered connection is readable.
func (p *poller) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close closes the epoll descriptor.
func (p *poller) Close() error {
	p.mu.Lock()
	p.conns = make(map[int]*Connection)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// isEINTR reports whether err is an interrupted system call, which epoll_wait
// returns during signal delivery.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}

// socketFD extracts the descriptor through SyscallConn so that it is not
// duplicated (as File() would) and stays valid for epoll.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
