// Package messaging implements spec.md §4.10: a persistent per-peer text
// channel built on top of the connection plane's pool and dispatcher.
package messaging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/conn"
	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// ErrStopped is returned to any message still queued, or sent afterwards,
// once a Sender is stopped with Stop. A peer going offline does not stop
// the Sender: each message handled while the peer is not online resolves
// with ErrPeerOffline instead.
var ErrStopped = errors.New("messaging: sender stopped")

// ErrPeerOffline is returned when the target peer is no longer online and
// the sender declines to keep retrying.
var ErrPeerOffline = errors.New("messaging: peer offline")

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	sendQueueDepth = 64
)

type pendingSend struct {
	env  *wire.Envelope
	done chan error
}

// Sender is one peer's MsgSender: a single writer goroutine owns a
// persistent CMD_MSG_CONN connection and drains a queue of outbound
// envelopes onto it, reconnecting with backoff on failure (spec.md §4.10).
type Sender struct {
	self     peerid.ID
	target   peerid.ID
	pool     *conn.Pool
	registry *peer.Registry

	onFailedToReach func(peer peerid.ID, err error)

	queue chan pendingSend

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	connection *conn.Connection
}

// NewSender starts a MsgSender for target and returns it already running.
// onFailedToReach, if non-nil, is called once per failed connect attempt
// (spec.md §4.10's "failed_to_reach UI events").
func NewSender(ctx context.Context, self, target peerid.ID, pool *conn.Pool, registry *peer.Registry, onFailedToReach func(peerid.ID, error)) *Sender {
	cctx, cancel := context.WithCancel(ctx)
	s := &Sender{
		self:            self,
		target:          target,
		pool:            pool,
		registry:        registry,
		onFailedToReach: onFailedToReach,
		queue:           make(chan pendingSend, sendQueueDepth),
		ctx:             cctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	go s.run()
	return s
}

// SendText enqueues a text message and returns a future that resolves once
// the write succeeds or the sender gives up.
func (s *Sender) SendText(text string) <-chan error {
	env := wire.NewEnvelope(wire.HeaderCmdText)
	env.PeerID = s.self.String()
	env.Body["text"] = text

	done := make(chan error, 1)
	if s.ctx.Err() != nil {
		done <- ErrStopped
		close(done)
		return done
	}
	select {
	case s.queue <- pendingSend{env: env, done: done}:
	case <-s.ctx.Done():
		done <- ErrStopped
		close(done)
	}
	return done
}

// Stop ends the sender, discarding any messages still queued (spec.md
// §4.10: "discards any remaining queued messages with a warning").
func (s *Sender) Stop() {
	s.cancel()
	<-s.done
}

func (s *Sender) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.drainQueue()
			s.releaseConnection()
			return
		case item := <-s.queue:
			s.deliver(item)
		}
	}
}

// deliver retries connect+write until it succeeds, the sender stops, or the
// peer is no longer online, per spec.md §4.10's "unbounded retries while
// peer appears online".
func (s *Sender) deliver(item pendingSend) {
	for {
		if err := s.ctx.Err(); err != nil {
			item.done <- ErrStopped
			close(item.done)
			return
		}

		if !s.peerOnline() {
			item.done <- ErrPeerOffline
			close(item.done)
			return
		}

		c, err := s.connected()
		if err != nil {
			item.done <- err
			close(item.done)
			return
		}

		if err := wire.WriteFrame(c.Raw(), item.env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Sender.deliver",
				"peer_id":  s.target.String(),
			}).WithError(err).Debug("msg conn write failed, discarding and reconnecting")
			s.discardConnection()
			continue
		}

		c.MarkSent()
		item.done <- nil
		close(item.done)
		return
	}
}

// connected returns the sender's held connection, dialing one with
// exponential backoff if none is currently held.
func (s *Sender) connected() (*conn.Connection, error) {
	s.mu.Lock()
	c := s.connection
	s.mu.Unlock()
	if c != nil {
		return c, nil
	}

	backoff := initialBackoff
	for {
		if err := s.ctx.Err(); err != nil {
			return nil, ErrStopped
		}
		if !s.peerOnline() {
			return nil, ErrPeerOffline
		}

		c, err := s.pool.Connect(s.ctx, s.target, wire.HeaderCmdMsgConn, false)
		if err == nil {
			s.mu.Lock()
			s.connection = c
			s.mu.Unlock()
			return c, nil
		}

		if s.onFailedToReach != nil {
			s.onFailedToReach(s.target, err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "Sender.connected",
			"peer_id":  s.target.String(),
			"backoff":  backoff,
		}).WithError(err).Warn("failed to reach peer, retrying")

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			return nil, ErrStopped
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Sender) discardConnection() {
	s.mu.Lock()
	c := s.connection
	s.connection = nil
	s.mu.Unlock()
	if c != nil {
		s.pool.Discard(c)
	}
}

func (s *Sender) releaseConnection() {
	s.mu.Lock()
	c := s.connection
	s.connection = nil
	s.mu.Unlock()
	if c != nil {
		s.pool.Release(c)
	}
}

func (s *Sender) peerOnline() bool {
	p, err := s.registry.Get(s.target)
	if err != nil {
		return false
	}
	return p.IsOnline()
}

func (s *Sender) drainQueue() {
	for {
		select {
		case item := <-s.queue:
			logrus.WithFields(logrus.Fields{
				"function": "Sender.drainQueue",
				"peer_id":  s.target.String(),
			}).Warn("discarding queued message, sender stopped")
			item.done <- ErrStopped
			close(item.done)
		default:
			return
		}
	}
}
