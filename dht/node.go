// Package dht integrates a Kademlia routing table into PeerConnect's
// overlay (spec.md §4.4): the k-bucket data structure and closest-node
// queries come from github.com/libp2p/go-libp2p-kbucket (the external
// Kademlia library spec.md §9 calls for); the FIND_PEER_LIST, STORE_PEERS
// and SEARCH_PEERS RPCs carried over PeerConnect's own UDP request plane are
// ours.
package dht

import (
	"github.com/opd-ai/peerconnect/peerid"
	lpeer "github.com/libp2p/go-libp2p/core/peer"
)

// toLibp2pPeerID bridges our 160-bit peer id into go-libp2p's peer.ID type,
// which go-libp2p-kbucket's RoutingTable is built around. The bytes are
// carried verbatim; ConvertPeerID (see table.go) then hashes them into the
// kbucket key space exactly as it would a real libp2p peer id.
func toLibp2pPeerID(id peerid.ID) lpeer.ID {
	return lpeer.ID(id[:])
}

func fromLibp2pPeerID(p lpeer.ID) (peerid.ID, bool) {
	b := []byte(p)
	if len(b) != peerid.Size {
		return peerid.ID{}, false
	}
	var id peerid.ID
	copy(id[:], b)
	return id, true
}

// Record is what the DHT stores and returns for a peer: enough to reach it
// directly without a further lookup.
type Record struct {
	ID          peerid.ID
	Name        string
	IP          string
	RequestPort uint16
	ConnPort    uint16
}
