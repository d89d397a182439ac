// Package discovery implements PeerConnect's multicast bootstrap (spec.md
// §4.3's discovery root code): an initial exponential-backoff broadcast
// burst that looks for any peer already on the LAN, followed, whether or
// not anybody answered, by a steady-state passive re-announce so peers that
// join later still find this node. Every announce carries the full record
// (name, ip, ports); there is no separate name-only announce.
package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/requests"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// Announcement is what one NETWORK_FIND / NETWORK_FIND_REPLY carries about
// its sender (spec.md §6's `{reply_addr | connect_uri}` body, expanded with
// the fields a receiving peer needs to materialize a registry record).
type Announcement struct {
	ID          peerid.ID
	Name        string
	IP          string
	RequestPort uint16
	ConnPort    uint16
}

func (a Announcement) toBody() map[string]any {
	return map[string]any{
		"name":         a.Name,
		"ip":           a.IP,
		"request_port": int64(a.RequestPort),
		"conn_port":    int64(a.ConnPort),
	}
}

func announcementFromEnvelope(env *wire.Envelope) (Announcement, bool) {
	id, err := peerid.Parse(env.PeerID)
	if err != nil {
		return Announcement{}, false
	}
	name, _ := env.Body["name"].(string)
	ip, _ := env.Body["ip"].(string)
	reqPort, _ := env.Body["request_port"].(int64)
	connPort, _ := env.Body["conn_port"].(int64)
	return Announcement{
		ID:          id,
		Name:        name,
		IP:          ip,
		RequestPort: uint16(reqPort),
		ConnPort:    uint16(connPort),
	}, true
}

// FoundHandler is invoked whenever a NETWORK_FIND or NETWORK_FIND_REPLY
// yields a live peer, so the caller can feed it into the peer registry and
// the DHT bootstrap path.
type FoundHandler func(Announcement, *net.UDPAddr)

// Discoverer owns the bootstrap burst and the passive re-announce loop.
type Discoverer struct {
	self     Announcement
	endpoint *requests.Endpoint
	registry *peer.Registry
	groups   []*net.UDPAddr

	baseTimeout time.Duration
	retries     int
	passiveTick time.Duration

	onFound FoundHandler

	mu        sync.Mutex
	inNetwork bool
	foundCh   chan struct{}
}

// New constructs a Discoverer. groups are the multicast/broadcast addresses
// NETWORK_FIND is sent to; the caller is responsible for having joined them
// on the endpoint's socket via Endpoint.JoinMulticast.
func New(self Announcement, endpoint *requests.Endpoint, registry *peer.Registry, groups []*net.UDPAddr, baseTimeout time.Duration, retries int, passiveTick time.Duration) *Discoverer {
	d := &Discoverer{
		self:        self,
		endpoint:    endpoint,
		registry:    registry,
		groups:      groups,
		baseTimeout: baseTimeout,
		retries:     retries,
		passiveTick: passiveTick,
		foundCh:     make(chan struct{}),
	}
	endpoint.Dispatcher().RegisterRoot(wire.RootDiscovery, d.handleEvent)
	return d
}

// OnFound installs the callback invoked for every discovered peer.
func (d *Discoverer) OnFound(h FoundHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFound = h
}

// InNetwork reports whether any peer has answered a NETWORK_FIND yet.
func (d *Discoverer) InNetwork() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inNetwork
}

// WaitInNetwork blocks until a peer answers or ctx is done, returning
// whether the network was joined.
func (d *Discoverer) WaitInNetwork(ctx context.Context) bool {
	select {
	case <-d.foundCh:
		return true
	case <-ctx.Done():
		return d.InNetwork()
	}
}

// Run drives the full discovery lifecycle: an exponential-backoff bootstrap
// burst (DISCOVER_RETRIES attempts doubling baseTimeout each time), then an
// indefinite low-frequency passive re-announce so later-joining peers still
// discover this node. If nobody answered the burst, Run only logs that
// before moving on; the re-announce sends the same full announcement
// either way. Run blocks
// until ctx is done, so callers normally launch it as a non-blocking
// state.Step.
func (d *Discoverer) Run(ctx context.Context) error {
	d.bootstrapBurst(ctx)
	if !d.InNetwork() {
		logrus.WithFields(logrus.Fields{
			"function": "Discoverer.Run",
			"name":     d.self.Name,
		}).Info("no peer answered bootstrap, continuing with passive re-announce")
	}
	d.passiveLoop(ctx)
	return nil
}

func (d *Discoverer) bootstrapBurst(ctx context.Context) {
	timeout := d.baseTimeout
	for attempt := 0; attempt < d.retries; attempt++ {
		if d.InNetwork() {
			return
		}
		d.announce()

		select {
		case <-ctx.Done():
			return
		case <-d.foundCh:
			return
		case <-time.After(timeout):
		}
		timeout *= 2
	}
}

func (d *Discoverer) passiveLoop(ctx context.Context) {
	if d.passiveTick <= 0 {
		return
	}
	ticker := time.NewTicker(d.passiveTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.announce()
		}
	}
}

func (d *Discoverer) announce() {
	env := wire.NewEnvelope(wire.HeaderNetworkFind)
	env.MsgID = uuid.NewString()
	env.PeerID = d.self.ID.String()
	for k, v := range d.self.toBody() {
		env.Body[k] = v
	}

	for _, group := range d.groups {
		if err := d.endpoint.SendTo(wire.RootDiscovery, env, group, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Discoverer.announce",
				"group":    group.String(),
			}).WithError(err).Debug("failed to send NETWORK_FIND")
		}
	}
}

func (d *Discoverer) handleEvent(ev requests.Event) {
	switch ev.Envelope.Header {
	case wire.HeaderNetworkFind:
		d.handleFind(ev)
	case wire.HeaderNetworkFindReply:
		d.handleReply(ev)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Discoverer.handleEvent",
			"header":   string(ev.Envelope.Header),
		}).Debug("unknown discovery header, dropping")
	}
}

func (d *Discoverer) handleFind(ev requests.Event) {
	from, ok := announcementFromEnvelope(ev.Envelope)
	if !ok || from.ID == d.self.ID {
		return
	}
	d.deliver(from, ev.From)

	reply := wire.NewEnvelope(wire.HeaderNetworkFindReply)
	reply.MsgID = ev.Envelope.MsgID
	reply.PeerID = d.self.ID.String()
	for k, v := range d.self.toBody() {
		reply.Body[k] = v
	}
	_ = d.endpoint.SendTo(wire.RootDiscovery, reply, ev.From, false)
}

func (d *Discoverer) handleReply(ev requests.Event) {
	from, ok := announcementFromEnvelope(ev.Envelope)
	if !ok || from.ID == d.self.ID {
		return
	}
	d.deliver(from, ev.From)
}

func (d *Discoverer) deliver(a Announcement, addr *net.UDPAddr) {
	d.mu.Lock()
	wasInNetwork := d.inNetwork
	d.inNetwork = true
	handler := d.onFound
	d.mu.Unlock()

	if !wasInNetwork {
		close(d.foundCh)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Discoverer.deliver",
		"peer_id":  a.ID.String(),
		"name":     a.Name,
	}).Info("discovered peer")

	if handler != nil {
		handler(a, addr)
	}
}
