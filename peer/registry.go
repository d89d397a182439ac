package peer

import (
	"errors"
	"sync"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by Get/Remove when no peer with the given id is
// registered.
var ErrNotFound = errors.New("peer: not found")

// Registry is the process-wide peer map (spec.md §4.2). At most one live
// Peer record exists per id.
type Registry struct {
	mu    sync.RWMutex
	peers map[peerid.ID]*Peer
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[peerid.ID]*Peer)}
}

// Add inserts or replaces the record for p.ID(). Adding an already-present
// id overwrites the old record; callers that only want to update fields
// should fetch the existing *Peer via Get and mutate it instead, since
// Peer's setters are what actually implement "mutated when status changes".
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID()] = p
	logrus.WithFields(logrus.Fields{
		"function": "Registry.Add",
		"peer_id":  p.ID().String(),
	}).Debug("peer registered")
}

// Get returns the peer with the given id, or ErrNotFound.
func (r *Registry) Get(id peerid.ID) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// Remove deletes the peer with the given id. Per spec.md §4.2, this is only
// ever called by the connectivity checker (C13) after a failed liveness
// probe confirms the peer is gone.
func (r *Registry) Remove(id peerid.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return ErrNotFound
	}
	delete(r.peers, id)
	logrus.WithFields(logrus.Fields{
		"function": "Registry.Remove",
		"peer_id":  id.String(),
	}).Info("peer removed after confirmed unreachability")
	return nil
}

// All returns a snapshot slice of every registered peer.
func (r *Registry) All() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Online returns every peer whose current status is ONLINE.
func (r *Registry) Online() []*Peer {
	var out []*Peer
	for _, p := range r.All() {
		if p.IsOnline() {
			out = append(out, p)
		}
	}
	return out
}

// SearchByName returns every peer whose display name contains substr,
// case-insensitively.
func (r *Registry) SearchByName(substr string) []*Peer {
	var out []*Peer
	for _, p := range r.All() {
		if p.matchesName(substr) {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
