package dht

import (
	"context"
	"net"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/sirupsen/logrus"
)

// AddrResolver maps a peer id known to the routing table to the UDP address
// to send DHT RPCs to. The routing table itself only stores ids (XOR key
// space); resolving an id to a reachable address is the registry's job.
type AddrResolver interface {
	RequestAddr(id peerid.ID) (*net.UDPAddr, bool)
}

// FanOut is the fan-out width used for both anchor registration and
// enumeration lookups. At 8 it is narrower than the routing table's
// bucket size of 20.
const FanOut = 8

const k = FanOut

// EnumeratePage performs one step of spec.md §4.4's peer enumeration: find
// the k nodes nearest to the next anchor id (round-robin), call
// FIND_PEER_LIST on each, union the results into an ordered de-duplicated
// page. The anchor list is never cached: ClosestTo is re-evaluated on every
// call.
func (s *Service) EnumeratePage(ctx context.Context, cursor *AnchorCursor, resolver AddrResolver, timeout time.Duration) ([]Record, error) {
	anchor := cursor.Advance()
	closest := s.table.ClosestTo(anchor, k)

	seen := make(map[peerid.ID]bool)
	var page []Record

	for _, nodeID := range closest {
		addr, ok := resolver.RequestAddr(nodeID)
		if !ok {
			continue
		}
		records, err := s.FindPeerList(ctx, addr, anchor, timeout)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Service.EnumeratePage",
				"node_id":  nodeID.String(),
			}).WithError(err).Debug("find_peer_list failed")
			continue
		}
		for _, rec := range records {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			page = append(page, rec)
		}
	}
	return page, nil
}

// RegisterSelf implements "on join, this peer registers itself against
// every anchor id closest to it" (spec.md §4.4): for each anchor where self
// is among the k closest known nodes, ask those nodes (and itself, via the
// local anchor list) to store its record.
func (s *Service) RegisterSelf(resolver AddrResolver) {
	for _, anchor := range Anchors() {
		closest := s.table.ClosestTo(anchor, k)
		isClosest := false
		for _, id := range closest {
			if id == s.self.ID {
				isClosest = true
				break
			}
		}
		if !isClosest {
			continue
		}

		s.mu.Lock()
		bucket, ok := s.anchorList[anchor]
		if !ok {
			bucket = make(map[peerid.ID]Record)
			s.anchorList[anchor] = bucket
		}
		bucket[s.self.ID] = s.self
		s.mu.Unlock()

		for _, id := range closest {
			if id == s.self.ID {
				continue
			}
			addr, ok := resolver.RequestAddr(id)
			if !ok {
				continue
			}
			if err := s.StorePeers(anchor, addr, []Record{s.self}); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Service.RegisterSelf",
					"node_id":  id.String(),
				}).WithError(err).Debug("store_peers failed")
			}
		}
	}
}
