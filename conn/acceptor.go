package conn

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// PeerResolver fetches a peer record this process hasn't seen yet, e.g. via
// a DHT lookup, when an inbound handshake names an id the registry doesn't
// know (spec.md §4.7: "fetching via DHT if unknown"). It reports false if
// the id couldn't be resolved.
type PeerResolver func(ctx context.Context, id peerid.ID) (*peer.Peer, bool)

// Acceptor owns the listening TCP socket on the connection port (spec.md
// §4.7). Every accepted socket gets exactly one handshake read before being
// handed to the dispatcher.
type Acceptor struct {
	listener      net.Listener
	registry      *peer.Registry
	watcher       *Watcher
	dispatcher    *Dispatcher
	resolve       PeerResolver
	serverTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAcceptor binds addr (the connection port) and starts the accept loop.
// resolve may be nil, in which case unknown handshake senders are dropped.
func NewAcceptor(ctx context.Context, addr string, registry *peer.Registry, watcher *Watcher, dispatcher *Dispatcher, resolve PeerResolver, serverTimeout time.Duration) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: listen %s: %w", addr, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	a := &Acceptor{
		listener:      ln,
		registry:      registry,
		watcher:       watcher,
		dispatcher:    dispatcher,
		resolve:       resolve,
		serverTimeout: serverTimeout,
		ctx:           cctx,
		cancel:        cancel,
	}

	a.wg.Add(1)
	go a.acceptLoop()

	return a, nil
}

// LocalAddr returns the bound listen address.
func (a *Acceptor) LocalAddr() net.Addr { return a.listener.Addr() }

// Close stops accepting new connections.
func (a *Acceptor) Close() error {
	a.cancel()
	err := a.listener.Close()
	a.wg.Wait()
	return err
}

func (a *Acceptor) acceptLoop() {
	defer a.wg.Done()
	for {
		raw, err := a.listener.Accept()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "Acceptor.acceptLoop",
			}).WithError(err).Debug("accept error")
			continue
		}
		go a.handshake(raw)
	}
}

// handshake implements spec.md §4.7's accept steps: read one envelope with
// SERVER_TIMEOUT, resolve the sender, wrap the socket, register it with the
// watcher, and submit a ConnectionEvent to the dispatcher.
func (a *Acceptor) handshake(raw net.Conn) {
	if err := raw.SetReadDeadline(time.Now().Add(a.serverTimeout)); err != nil {
		raw.Close()
		return
	}

	env, err := wire.ReadFrame(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Acceptor.handshake",
			"remote":   raw.RemoteAddr().String(),
		}).WithError(err).Debug("handshake read failed, dropping")
		raw.Close()
		return
	}
	_ = raw.SetReadDeadline(time.Time{})

	id, err := peerid.Parse(env.PeerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Acceptor.handshake",
			"remote":   raw.RemoteAddr().String(),
		}).WithError(err).Debug("handshake carried unparsable peer id, dropping")
		raw.Close()
		return
	}

	if _, err := a.registry.Get(id); err != nil && a.resolve != nil {
		if resolved, ok := a.resolve(a.ctx, id); ok {
			a.registry.Add(resolved)
		}
	}

	c := newConnection(raw, id)
	c.MarkRecv()
	a.watcher.Register(c)
	a.dispatcher.Submit(ConnectionEvent{Connection: c, Handshake: env})
}
