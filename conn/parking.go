package conn

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// ParkingLot holds unlocked connections between logical uses, watching each
// for either a fresh inbound envelope (re-dispatch) or an idle timeout
// (close), per spec.md §4.7's parking semantics. A parked connection never
// appears in the outbound pool at the same time (spec.md §3's invariant);
// callers obtain connections from parking only via resubmission, never
// directly.
type ParkingLot struct {
	ctx          context.Context
	idleBudget   time.Duration
	resubmit     func(ConnectionEvent)
	requestClose func(*Connection)

	mu     sync.Mutex
	cancel map[*Connection]context.CancelFunc
}

func newParkingLot(ctx context.Context, idleBudget time.Duration, resubmit func(ConnectionEvent), requestClose func(*Connection)) *ParkingLot {
	return &ParkingLot{
		ctx:          ctx,
		idleBudget:   idleBudget,
		resubmit:     resubmit,
		requestClose: requestClose,
		cancel:       make(map[*Connection]context.CancelFunc),
	}
}

// park places c in the lot and starts its idle/inbound watch.
func (p *ParkingLot) park(c *Connection) {
	wctx, wcancel := context.WithCancel(p.ctx)
	p.mu.Lock()
	p.cancel[c] = wcancel
	p.mu.Unlock()

	go p.watch(wctx, c)
}

// watch implements the two exits spec.md §4.7 describes for a parked
// connection: a framed envelope arrives (remove + re-dispatch), or the
// idle budget elapses first (request close).
func (p *ParkingLot) watch(ctx context.Context, c *Connection) {
	deadline := time.Now().Add(p.idleBudget)
	if err := c.Raw().SetReadDeadline(deadline); err != nil {
		p.remove(c)
		p.requestClose(c)
		return
	}

	env, err := wire.ReadFrame(c.Raw())
	select {
	case <-ctx.Done():
		// Closed or re-parked by someone else already; nothing to do.
		return
	default:
	}

	if !p.remove(c) {
		return
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ParkingLot.watch",
			"peer_id":  c.Peer().String(),
		}).Debug("parked connection idle or closed, requesting eviction")
		p.requestClose(c)
		return
	}

	c.MarkRecv()
	p.resubmit(ConnectionEvent{Connection: c, Handshake: env})
}

// remove drops c from the lot, returning false if it was already removed
// (e.g. the lot is shutting down and closed the watch first).
func (p *ParkingLot) remove(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.cancel[c]
	if !ok {
		return false
	}
	delete(p.cancel, c)
	cancel()
	return true
}

// close cancels every outstanding watch. The underlying sockets are left
// to the watcher/acceptor shutdown path to close.
func (p *ParkingLot) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c, cancel := range p.cancel {
		cancel()
		// Force the blocked ReadFrame in watch() to return immediately
		// rather than waiting out the rest of the idle budget.
		_ = c.Raw().SetReadDeadline(time.Now())
		delete(p.cancel, c)
	}
}
