package dht

import (
	"context"
	"net"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/sirupsen/logrus"
)

// Bootstrap seeds the routing table from a list of known node addresses by
// calling FIND_PEER_LIST against them for the first anchor, adding whatever
// ids come back. Unlike discovery.Discoverer (LAN multicast), Bootstrap
// targets already-known addresses, matching the shape of toxcore's
// dht/bootstrap.go retry loop.
func (s *Service) Bootstrap(ctx context.Context, nodes []*net.UDPAddr, timeout time.Duration) int {
	added := 0
	anchor := Anchors()[0]

	for _, addr := range nodes {
		records, err := s.FindPeerList(ctx, addr, anchor, timeout)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Service.Bootstrap",
				"addr":     addr.String(),
			}).WithError(err).Debug("bootstrap node did not respond")
			continue
		}
		for _, rec := range records {
			if rec.ID == s.self.ID {
				continue
			}
			s.table.Add(rec.ID)
			added++
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Service.Bootstrap",
		"nodes":     len(nodes),
		"peers_got": added,
	}).Info("dht bootstrap complete")
	return added
}

// AddKnownPeer directly inserts a peer id learned out-of-band (e.g. from
// discovery or gossip) into the routing table.
func (s *Service) AddKnownPeer(id peerid.ID) {
	s.table.Add(id)
}
