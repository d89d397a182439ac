package conn

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
)

// ResourceBusy is returned by Pool.Connect when the per-peer cap is
// reached and the caller asked not to wait (spec.md §4.8:
// "ResourceBusy{available_after: condition_variable}"). The condition
// itself isn't exposed as a type; callers that want to wait instead just
// call Connect again with raiseIfBusy=false, which blocks on the same
// internal condition variable this error reports against.
type ResourceBusy struct {
	Peer peerid.ID
}

func (e *ResourceBusy) Error() string {
	return fmt.Sprintf("conn: connection pool busy for peer %s", e.Peer)
}

// Pool is the outbound connector (spec.md §4.8): per-peer connection reuse
// bounded by a hard concurrency cap, with condition-variable waiting when
// the cap is reached.
type Pool struct {
	self        peerid.ID
	registry    *peer.Registry
	watcher     *Watcher
	maxPerPeer  int
	dialTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	perPeer map[peerid.ID][]*Connection
}

// NewPool constructs the connector+pool. self is embedded in every
// outbound handshake envelope so the remote side's acceptor can identify
// us (spec.md §4.8: "an envelope including this peer's id").
func NewPool(self peerid.ID, registry *peer.Registry, watcher *Watcher, maxPerPeer int, dialTimeout time.Duration) *Pool {
	p := &Pool{
		self:        self,
		registry:    registry,
		watcher:     watcher,
		maxPerPeer:  maxPerPeer,
		dialTimeout: dialTimeout,
		perPeer:     make(map[peerid.ID][]*Connection),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Connect implements spec.md §4.8's policy: reuse an unlocked connection if
// one exists; else open a new one under the per-peer cap; else either fail
// with ResourceBusy (raiseIfBusy) or block until one frees up. The returned
// Connection is already locked for the caller; callers MUST call Release
// when done.
func (p *Pool) Connect(ctx context.Context, target peerid.ID, header wire.Header, raiseIfBusy bool) (*Connection, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-stop:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, c := range p.perPeer[target] {
			if c.TryLock() {
				return c, nil
			}
		}

		if len(p.perPeer[target]) < p.maxPerPeer {
			p.mu.Unlock()
			c, err := p.dial(ctx, target, header)
			p.mu.Lock()
			if err != nil {
				return nil, err
			}
			p.perPeer[target] = append(p.perPeer[target], c)
			return c, nil
		}

		if raiseIfBusy {
			return nil, &ResourceBusy{Peer: target}
		}
		p.cond.Wait()
	}
}

// Release unlocks c and notifies any goroutine waiting in Connect, per
// spec.md §4.8's "release on scope exit ... notifies the condition".
func (p *Pool) Release(c *Connection) {
	c.Unlock()
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Discard removes a broken connection from the pool instead of returning it
// to circulation, and asks the watcher to close it. Callers hold c's lock
// when a write fails and must not hand a dead socket back to Release, or
// the next Connect caller would reuse a connection that can never succeed.
func (p *Pool) Discard(c *Connection) {
	p.mu.Lock()
	target := c.Peer()
	conns := p.perPeer[target]
	for i, existing := range conns {
		if existing == c {
			p.perPeer[target] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	p.watcher.RequestClosing(c)
}

// dial opens a fresh TCP connection to target, performs the outbound
// handshake (self's id plus the requested service header), and registers
// the new connection with the bandwidth watcher.
func (p *Pool) dial(ctx context.Context, target peerid.ID, header wire.Header) (*Connection, error) {
	remote, err := p.registry.Get(target)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", target, err)
	}
	snap := remote.Snapshot()
	addr := net.JoinHostPort(snap.IP, strconv.Itoa(int(snap.ConnPort)))

	dialer := net.Dialer{Timeout: p.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", target, err)
	}

	env := wire.NewEnvelope(header)
	env.PeerID = p.self.String()
	if err := wire.WriteFrame(raw, env); err != nil {
		raw.Close()
		return nil, fmt.Errorf("conn: handshake to %s: %w", target, err)
	}

	c := newConnection(raw, target)
	c.Lock()
	c.MarkSent()
	p.watcher.Register(c)
	return c, nil
}
