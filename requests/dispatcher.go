package requests

import (
	"sync"

	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// Dispatcher demultiplexes inbound Events by root code, with a nested
// header registry under RootRequest for small RPCs like PING/echo
// (spec.md §4.3).
type Dispatcher struct {
	mu              sync.RWMutex
	rootHandlers    map[wire.RootCode]Handler
	requestHandlers map[wire.Header]Handler

	replies *replyRegistry
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		rootHandlers:    make(map[wire.RootCode]Handler),
		requestHandlers: make(map[wire.Header]Handler),
		replies:         newReplyRegistry(),
	}
}

// RegisterRoot installs the handler for an entire root code family (GOSSIP,
// DISCOVERY, DHT). REQUEST is handled via RegisterHeader instead.
func (d *Dispatcher) RegisterRoot(root wire.RootCode, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rootHandlers[root] = h
}

// RegisterHeader installs a handler for one header under RootRequest.
func (d *Dispatcher) RegisterHeader(header wire.Header, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requestHandlers[header] = h
}

// RegisterReply creates a one-shot waiter for msgID and returns a channel
// that receives the matching envelope once fulfilled.
func (d *Dispatcher) RegisterReply(msgID string) <-chan *wire.Envelope {
	return d.replies.register(msgID)
}

// CancelReply drops a waiter registered via RegisterReply without
// resolving it (used on caller-side timeout).
func (d *Dispatcher) CancelReply(msgID string) {
	d.replies.cancel(msgID)
}

// Dispatch implements spec.md §4.3's per-event order: (a) reply-table
// fulfillment first and stop; (b) otherwise root/header lookup; (c) invoke
// the handler on its own goroutine, recovering any panic so a bad handler
// never kills the dispatcher.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.Envelope.MsgID != "" && d.replies.fulfill(ev.Envelope) {
		return
	}

	handler := d.lookup(ev)
	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Dispatcher.Dispatch",
			"root_code": ev.RootCode.String(),
			"header":    string(ev.Envelope.Header),
		}).Debug("no handler registered, dropping event")
		return
	}

	go d.invoke(handler, ev)
}

func (d *Dispatcher) lookup(ev Event) Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if ev.RootCode == wire.RootRequest {
		return d.requestHandlers[ev.Envelope.Header]
	}
	return d.rootHandlers[ev.RootCode]
}

func (d *Dispatcher) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Dispatcher.invoke",
				"root_code": ev.RootCode.String(),
				"header":    string(ev.Envelope.Header),
				"panic":     r,
			}).Error("handler panicked, recovered")
		}
	}()
	h(ev)
}
