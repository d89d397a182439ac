// Package search implements spec.md §4.6's distributed search: two
// independent mechanisms run in parallel per user query, DHT enumeration
// and gossip fan-out, both feeding one deduplicated result stream.
package search

import (
	"context"
	"time"

	"github.com/opd-ai/peerconnect/dht"
	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/sirupsen/logrus"
)

// Result is one match surfaced by either search mechanism, already
// normalized to a common shape so callers don't care which one found it.
type Result struct {
	ID          peerid.ID
	Name        string
	IP          string
	RequestPort uint16
	ConnPort    uint16
}

func recordResult(r dht.Record) Result {
	return Result{ID: r.ID, Name: r.Name, IP: r.IP, RequestPort: r.RequestPort, ConnPort: r.ConnPort}
}

// ForNodes implements spec.md §4.6.1 search_for_nodes: yield local registry
// matches first, then for each of the DHT's anchor ids find the nodes
// closest to it and call SEARCH_PEERS on each, de-duplicating by peer id.
// pages bounds how many anchors are walked in one call (the DHT has a fixed
// 20-anchor cycle; callers wanting the full sweep pass dht.AnchorCount).
func ForNodes(ctx context.Context, svc *dht.Service, registry *peer.Registry, resolver dht.AddrResolver, cursor *dht.AnchorCursor, substring string, timeout time.Duration, pages int) []Result {
	seen := make(map[peerid.ID]bool)
	var out []Result

	for _, p := range registry.SearchByName(substring) {
		snap := p.Snapshot()
		if seen[snap.ID] {
			continue
		}
		seen[snap.ID] = true
		out = append(out, Result{ID: snap.ID, Name: snap.Name, IP: snap.IP, RequestPort: snap.RequestPort, ConnPort: snap.ConnPort})
	}

	for page := 0; page < pages; page++ {
		select {
		case <-ctx.Done():
			return out
		default:
		}

		anchor := cursor.Advance()
		closest := svc.Table().ClosestTo(anchor, dht.FanOut)
		for _, nodeID := range closest {
			addr, ok := resolver.RequestAddr(nodeID)
			if !ok {
				continue
			}
			records, err := svc.SearchPeers(ctx, addr, substring, timeout)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "ForNodes",
					"node_id":  nodeID.String(),
				}).WithError(err).Debug("search_peers failed")
				continue
			}
			for _, rec := range records {
				if seen[rec.ID] {
					continue
				}
				seen[rec.ID] = true
				out = append(out, recordResult(rec))
			}
		}
	}
	return out
}
