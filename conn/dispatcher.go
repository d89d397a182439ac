package conn

import (
	"context"
	"time"

	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// ConnectionEvent is submitted to the dispatcher once per handshake,
// whether from a fresh accept or a re-dispatch out of the parking lot
// (spec.md §4.7).
type ConnectionEvent struct {
	Connection *Connection
	Handshake  *wire.Envelope
}

// Handler processes one ConnectionEvent. It owns the connection's lock for
// the duration of its logical use and MUST release it (Connection.Unlock)
// before returning, so the dispatcher can park the connection for reuse.
type Handler func(ctx context.Context, ev ConnectionEvent) error

// reacquireTimeout bounds how long the dispatcher waits for a handler to
// have released the connection lock before giving up and closing it
// (spec.md §4.7: "wait up to 1s to acquire the connection lock").
const reacquireTimeout = time.Second

// Dispatcher implements spec.md §4.7's connection-dispatcher event
// lifecycle: route a handshake to its registered handler, then park or
// close the connection depending on how the handler (and the dispatcher's
// own shutdown) resolve.
type Dispatcher struct {
	handlers map[wire.Header]Handler
	watcher  *Watcher
	parking  *ParkingLot

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher constructs a connection dispatcher bound to watcher for
// eviction/close requests. idleBudget is the parking lot's
// MAX_IDLE_TIME_FOR_CONN.
func NewDispatcher(ctx context.Context, watcher *Watcher, idleBudget time.Duration) *Dispatcher {
	cctx, cancel := context.WithCancel(ctx)
	d := &Dispatcher{
		handlers: make(map[wire.Header]Handler),
		watcher:  watcher,
		ctx:      cctx,
		cancel:   cancel,
	}
	d.parking = newParkingLot(cctx, idleBudget, d.Submit, watcher.RequestClosing)
	return d
}

// OnHeader installs the handler invoked for inbound handshakes carrying
// header (CMD_FILE_CONN, CMD_RECV_DIR, OTM_UPDATE_STREAM_LINK,
// CMD_MSG_CONN, PING per spec.md §4.7).
func (d *Dispatcher) OnHeader(header wire.Header, h Handler) {
	d.handlers[header] = h
}

// Close stops the dispatcher and its parking lot. Every in-flight handler's
// context is cancelled with it, and each in-flight run asks the watcher to
// close its connection at once, without waiting for the handler to return
// and without parking the connection.
func (d *Dispatcher) Close() {
	d.cancel()
	d.parking.close()
}

// Submit implements spec.md §4.7's pseudocode: look up the handler by
// header (dropping unknown ones), run it as its own goroutine, and decide
// park-vs-close once it returns.
func (d *Dispatcher) Submit(ev ConnectionEvent) {
	handler, ok := d.handlers[ev.Handshake.Header]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.Submit",
			"header":   string(ev.Handshake.Header),
		}).Debug("no connection handler registered, closing")
		d.watcher.RequestClosing(ev.Connection)
		return
	}
	go d.run(handler, ev)
}

func (d *Dispatcher) run(handler Handler, ev ConnectionEvent) {
	hctx, hcancel := context.WithCancel(d.ctx)
	defer hcancel()

	// The connection arrives unlocked (fresh accept or parking-lot
	// re-dispatch); the handler's "logical use" owns the lock for as
	// long as it runs, and is expected to release it before returning.
	ev.Connection.Lock()

	done := make(chan error, 1)
	go func() {
		done <- handler(hctx, ev)
	}()

	select {
	case <-d.ctx.Done():
		// Our own shutdown, not the handler's business: close outright.
		d.watcher.RequestClosing(ev.Connection)
		return
	case err := <-done:
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Dispatcher.run",
				"header":   string(ev.Handshake.Header),
				"peer_id":  ev.Connection.Peer().String(),
			}).WithError(err).Debug("connection handler returned error")
		}
		d.reacquireAndPark(ev.Connection)
	}
}

// reacquireAndPark implements "wait up to 1s to acquire the connection
// lock (handler should have released it); on success release and park; on
// failure ask the watcher to close" (spec.md §4.7).
func (d *Dispatcher) reacquireAndPark(c *Connection) {
	acquired := make(chan struct{})
	go func() {
		c.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		c.Unlock()
		d.parking.park(c)
	case <-time.After(reacquireTimeout):
		logrus.WithFields(logrus.Fields{
			"function": "Dispatcher.reacquireAndPark",
			"peer_id":  c.Peer().String(),
		}).Warn("handler did not release connection lock in time, closing")
		d.watcher.RequestClosing(c)
	}
}
