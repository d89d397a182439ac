package dht

import (
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
	kbucket "github.com/libp2p/go-libp2p-kbucket"
	lpeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/sirupsen/logrus"
)

// nopMetrics satisfies peerstore.Metrics with no-op latency tracking. The
// routing table only uses it to prefer lower-latency peers when a bucket is
// full; PeerConnect has no latency signal of its own, so it is wired but
// inert, matching the library's documented "pass nil-ish metrics" usage in
// simple integrations.
type nopMetrics struct {
	mu        sync.Mutex
	latencies map[lpeer.ID]time.Duration
}

func newNopMetrics() *nopMetrics {
	return &nopMetrics{latencies: make(map[lpeer.ID]time.Duration)}
}

func (m *nopMetrics) RecordLatency(p lpeer.ID, l time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies[p] = l
}

func (m *nopMetrics) LatencyEWMA(p lpeer.ID) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latencies[p]
}

var _ peerstore.Metrics = (*nopMetrics)(nil)

// Table wraps a go-libp2p-kbucket routing table keyed by our own peer ids.
type Table struct {
	self peerid.ID
	rt   *kbucket.RoutingTable
}

// NewTable constructs a routing table for selfID with the default k-bucket
// size (20, matching Kademlia convention and spec.md's "k nearest nodes").
func NewTable(selfID peerid.ID) (*Table, error) {
	const bucketSize = 20
	rt, err := kbucket.NewRoutingTable(
		bucketSize,
		kbucket.ConvertPeerID(toLibp2pPeerID(selfID)),
		time.Minute,
		newNopMetrics(),
		10*time.Minute,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("dht: new routing table: %w", err)
	}
	return &Table{self: selfID, rt: rt}, nil
}

// Add inserts id into the routing table, evicting a bad node from a full
// bucket if needed (library behavior).
func (t *Table) Add(id peerid.ID) {
	added, err := t.rt.TryAddPeer(toLibp2pPeerID(id), true, false)
	logrus.WithFields(logrus.Fields{
		"function": "Table.Add",
		"peer_id":  id.String(),
		"added":    added,
	}).WithError(err).Debug("routing table insert")
}

// Remove drops id from the routing table (called after the connectivity
// checker confirms unreachability, spec.md §4.4's removal-callback rule).
func (t *Table) Remove(id peerid.ID) {
	t.rt.RemovePeer(toLibp2pPeerID(id))
}

// ClosestTo returns up to k peer ids nearest to target in XOR distance,
// used both for anchor enumeration (anchors.go) and general routing.
func (t *Table) ClosestTo(target peerid.ID, k int) []peerid.ID {
	key := kbucket.ConvertPeerID(toLibp2pPeerID(target))
	peers := t.rt.NearestPeers(key, k)
	out := make([]peerid.ID, 0, len(peers))
	for _, p := range peers {
		if id, ok := fromLibp2pPeerID(p); ok {
			out = append(out, id)
		}
	}
	return out
}

// Size returns the number of peers currently tracked.
func (t *Table) Size() int {
	return t.rt.Size()
}

// OnPeerRemoved installs fn to run whenever a peer leaves the underlying
// routing table: both when the table evicts one on its own (bucket
// replacement) and on our explicit Remove.
// Per spec.md §4.4, this does NOT delete the peer from the registry
// directly — it routes the event to the connectivity checker (C13), which
// decides after a liveness probe.
func (t *Table) OnPeerRemoved(fn func(peerid.ID)) {
	t.rt.PeerRemoved = func(p lpeer.ID) {
		if id, ok := fromLibp2pPeerID(p); ok {
			fn(id)
		}
	}
}
