// Package conn implements the connection plane (spec.md §4.7-§4.9): the TCP
// acceptor, the connection dispatcher with its parking lot, the outbound
// connector and per-peer pool, and the bandwidth watcher that evicts idle
// sockets once the process-wide connection cap is reached.
package conn

import (
	"net"
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
)

// Connection wraps one TCP socket to a known peer, with the exclusive
// acquisition lock and send/recv timestamps spec.md §3 requires: "the lock
// is held for the duration of one logical use; when unlocked, the
// connection is either in the parking lot ... or in the outbound pool".
type Connection struct {
	conn net.Conn
	peer peerid.ID

	mu sync.Mutex // the acquisition lock itself

	tmu      sync.RWMutex
	lastSend time.Time
	lastRecv time.Time
	opened   time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// newConnection wraps an already-accepted or already-dialed socket.
func newConnection(c net.Conn, peer peerid.ID) *Connection {
	now := time.Now()
	return &Connection{
		conn:     c,
		peer:     peer,
		lastSend: now,
		lastRecv: now,
		opened:   now,
		closed:   make(chan struct{}),
	}
}

// NewConnection wraps an already-established socket as a Connection outside
// the acceptor/pool's own dial paths — used by other packages' handler
// tests that need a conn.Connection without going through a real TCP
// handshake.
func NewConnection(c net.Conn, peer peerid.ID) *Connection {
	return newConnection(c, peer)
}

// Peer returns the remote peer id this connection belongs to.
func (c *Connection) Peer() peerid.ID { return c.peer }

// Raw exposes the underlying socket for the wire framing helpers.
func (c *Connection) Raw() net.Conn { return c.conn }

// Lock acquires the exclusive use lock. Callers MUST release it with
// Unlock once their logical use (one handler invocation, one transfer
// chunk) is complete.
func (c *Connection) Lock() { c.mu.Lock() }

// TryLock attempts to acquire the lock without blocking, used by the
// dispatcher's "wait up to 1s, else ask watcher to close" reacquire step.
func (c *Connection) TryLock() bool { return c.mu.TryLock() }

// Unlock releases the exclusive use lock.
func (c *Connection) Unlock() { c.mu.Unlock() }

// MarkSent records activity for the idle/eviction clock.
func (c *Connection) MarkSent() {
	c.tmu.Lock()
	c.lastSend = time.Now()
	c.tmu.Unlock()
}

// MarkRecv records activity for the idle/eviction clock.
func (c *Connection) MarkRecv() {
	c.tmu.Lock()
	c.lastRecv = time.Now()
	c.tmu.Unlock()
}

// IdleSince returns how long it has been since this connection last sent or
// received anything, matching the watcher's eviction check
// (max(last_send, last_recv), spec.md §4.9).
func (c *Connection) IdleSince() time.Duration {
	c.tmu.RLock()
	defer c.tmu.RUnlock()
	last := c.lastSend
	if c.lastRecv.After(last) {
		last = c.lastRecv
	}
	return time.Since(last)
}

// Close closes the underlying socket exactly once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close has run.
func (c *Connection) Closed() <-chan struct{} { return c.closed }
