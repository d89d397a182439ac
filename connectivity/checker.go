package connectivity

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerconnect/dht"
	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/requests"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// inFlightEntry records when a liveness probe for a peer last started, so a
// second caller within the rate-limit window is handed the same Future
// instead of kicking off a duplicate probe.
type inFlightEntry struct {
	started time.Time
	future  *Future
}

// Checker implements spec.md §4.13's liveness check: rate-limited,
// single-flight, UDP REMOVAL_PING with a TCP connect fallback.
type Checker struct {
	self     peerid.ID
	endpoint *requests.Endpoint
	registry *peer.Registry

	checkWindow time.Duration
	pingTimeout time.Duration
	tcpTimeout  time.Duration

	onOffline func(peerid.ID)

	mu       sync.Mutex
	inFlight map[peerid.ID]*inFlightEntry
}

// NewChecker constructs a Checker. checkWindow is spec.md §4.13's
// PING_TIME_CHECK_WINDOW, pingTimeout its PING_TIMEOUT; tcpTimeout bounds
// the fallback TCP connect attempt. onOffline, if non-nil, is called once a
// peer is confirmed unreachable, after it has already been removed from
// registry.
func NewChecker(self peerid.ID, endpoint *requests.Endpoint, registry *peer.Registry, checkWindow, pingTimeout, tcpTimeout time.Duration, onOffline func(peerid.ID)) *Checker {
	c := &Checker{
		self:        self,
		endpoint:    endpoint,
		registry:    registry,
		checkWindow: checkWindow,
		pingTimeout: pingTimeout,
		tcpTimeout:  tcpTimeout,
		onOffline:   onOffline,
		inFlight:    make(map[peerid.ID]*inFlightEntry),
	}
	endpoint.Dispatcher().RegisterHeader(wire.HeaderRemovalPing, c.handleIncomingPing)
	return c
}

// MaybeOffline starts (or joins) a liveness probe for target and returns a
// Future that resolves once it's known whether target is still reachable.
func (c *Checker) MaybeOffline(target peerid.ID) *Future {
	c.mu.Lock()
	if entry, ok := c.inFlight[target]; ok && time.Since(entry.started) < c.checkWindow {
		c.mu.Unlock()
		return entry.future
	}
	fut := newFuture()
	c.inFlight[target] = &inFlightEntry{started: time.Now(), future: fut}
	c.mu.Unlock()

	go c.run(target, fut)
	return fut
}

func (c *Checker) run(target peerid.ID, fut *Future) {
	online := c.probe(target)
	fut.resolve(online)

	if !online {
		logrus.WithFields(logrus.Fields{
			"function": "Checker.run",
			"peer_id":  target.String(),
		}).Info("peer confirmed unreachable, removing")
		if err := c.registry.Remove(target); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Checker.run",
				"peer_id":  target.String(),
			}).WithError(err).Debug("peer already removed from registry")
		}
		if c.onOffline != nil {
			c.onOffline(target)
		}
	}
}

// probe implements spec.md §4.13: UDP REMOVAL_PING with a reply wait, then
// a short TCP connect attempt against the connection port on timeout.
func (c *Checker) probe(target peerid.ID) bool {
	p, err := c.registry.Get(target)
	if err != nil {
		return false
	}
	snap := p.Snapshot()

	if c.udpPing(target, snap) {
		return true
	}
	return c.tcpFallback(snap)
}

func (c *Checker) udpPing(target peerid.ID, snap peer.Snapshot) bool {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(snap.IP, strconv.Itoa(int(snap.RequestPort))))
	if err != nil {
		return false
	}

	msgID := uuid.NewString()
	env := wire.NewEnvelope(wire.HeaderRemovalPing)
	env.MsgID = msgID
	env.PeerID = c.self.String()

	replies := c.endpoint.Dispatcher().RegisterReply(msgID)
	defer c.endpoint.Dispatcher().CancelReply(msgID)

	if err := c.endpoint.SendTo(wire.RootRequest, env, addr, true); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Checker.udpPing",
			"peer_id":  target.String(),
		}).WithError(err).Debug("failed to send removal ping")
		return false
	}

	select {
	case <-replies:
		return true
	case <-time.After(c.pingTimeout):
		return false
	}
}

func (c *Checker) tcpFallback(snap peer.Snapshot) bool {
	addr := net.JoinHostPort(snap.IP, strconv.Itoa(int(snap.ConnPort)))
	conn, err := net.DialTimeout("tcp", addr, c.tcpTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// handleIncomingPing answers a remote peer's own REMOVAL_PING against us by
// echoing the envelope back, MsgID intact, so its reply-correlation wait
// resolves.
func (c *Checker) handleIncomingPing(ev requests.Event) {
	reply := wire.NewEnvelope(wire.HeaderRemovalPing)
	reply.MsgID = ev.Envelope.MsgID
	reply.PeerID = c.self.String()
	if err := c.endpoint.SendTo(wire.RootRequest, reply, ev.From, false); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Checker.handleIncomingPing",
			"from":     ev.From.String(),
		}).WithError(err).Debug("failed to reply to removal ping")
	}
}

// WireRoutingTable installs this checker as the consumer of t's
// OnPeerRemoved callback (spec.md §4.4): a bucket-eviction event triggers a
// liveness probe instead of an immediate registry removal, and the peer is
// only dropped from both the routing table and the registry once the probe
// confirms it is actually gone.
func (c *Checker) WireRoutingTable(t *dht.Table) {
	t.OnPeerRemoved(func(id peerid.ID) {
		fut := c.MaybeOffline(id)
		go func() {
			if !fut.Online() {
				t.Remove(id)
			}
		}()
	})
}
