// Package peer defines the Peer entity and the process-wide peer registry
// (spec.md §3, §4.2).
package peer

import (
	"strings"
	"sync"

	"github.com/opd-ai/peerconnect/peerid"
)

// Status is a peer's liveness as last observed by this process.
type Status uint8

const (
	StatusOnline Status = iota
	StatusOffline
)

// Peer is one entity in the overlay: an id, a display name, and the two
// endpoints a remote node exposes (UDP request port, TCP connection port).
type Peer struct {
	mu sync.RWMutex

	id          peerid.ID
	name        string
	ip          string
	requestPort uint16
	connPort    uint16
	status      Status
}

// New constructs a Peer record. It is always created ONLINE: a record is
// only ever materialized from a live sighting (spec.md §3 lifecycle).
func New(id peerid.ID, name, ip string, requestPort, connPort uint16) *Peer {
	return &Peer{
		id:          id,
		name:        name,
		ip:          ip,
		requestPort: requestPort,
		connPort:    connPort,
		status:      StatusOnline,
	}
}

func (p *Peer) ID() peerid.ID { return p.id }

func (p *Peer) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// SetName updates the display name; a peer's id never changes but its name
// may (spec.md §4.2).
func (p *Peer) SetName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

func (p *Peer) IP() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ip
}

func (p *Peer) RequestPort() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.requestPort
}

func (p *Peer) ConnPort() uint16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connPort
}

func (p *Peer) SetEndpoints(ip string, requestPort, connPort uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ip = ip
	p.requestPort = requestPort
	p.connPort = connPort
}

// Status returns the peer's current liveness.
func (p *Peer) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// IsOnline implements the invariant peer.is_online <=> status=ONLINE.
func (p *Peer) IsOnline() bool {
	return p.Status() == StatusOnline
}

// SetStatus mutates liveness. Last-writer-wins: there is no versioning,
// matching spec.md §5's "last-writer-wins on status" shared-resource rule.
func (p *Peer) SetStatus(s Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

// Snapshot returns an immutable copy of the peer's fields for callers that
// need a consistent view without holding a lock (spec.md §5: "readers see
// consistent snapshots of each peer record").
type Snapshot struct {
	ID          peerid.ID
	Name        string
	IP          string
	RequestPort uint16
	ConnPort    uint16
	Status      Status
}

func (p *Peer) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{
		ID:          p.id,
		Name:        p.name,
		IP:          p.ip,
		RequestPort: p.requestPort,
		ConnPort:    p.connPort,
		Status:      p.status,
	}
}

// matchesName reports whether the peer's current name contains substr,
// case-insensitively (spec.md §4.2's search-by-name).
func (p *Peer) matchesName(substr string) bool {
	return strings.Contains(strings.ToLower(p.Name()), strings.ToLower(substr))
}
