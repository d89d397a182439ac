package dht

import (
	"context"
	"encoding/gob"
	"fmt"
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

func init() {
	gob.Register(Record{})
	gob.Register([]Record{})
}

// Service plugs the FIND_PEER_LIST, STORE_PEERS and SEARCH_PEERS RPCs into
// the shared request plane (spec.md §4.4). It owns the routing table and the
// per-anchor peer lists this node is authoritative for.
type Service struct {
	self     Record
	table    *Table
	registry *peer.Registry
	endpoint *requests.Endpoint

	mu         sync.RWMutex
	anchorList map[peerid.ID]map[peerid.ID]Record // anchor id -> peer id -> record
}

// NewService constructs the DHT RPC layer and registers its handlers on
// disp under wire.RootDHT.
func NewService(self Record, table *Table, registry *peer.Registry, endpoint *requests.Endpoint) *Service {
	s := &Service{
		self:       self,
		table:      table,
		registry:   registry,
		endpoint:   endpoint,
		anchorList: make(map[peerid.ID]map[peerid.ID]Record),
	}
	disp := endpoint.Dispatcher()
	disp.RegisterRoot(wire.RootDHT, s.handle)
	return s
}

func (s *Service) handle(ev requests.Event) {
	switch ev.Envelope.Header {
	case wire.HeaderFindPeerList:
		s.handleFindPeerList(ev)
	case wire.HeaderStorePeers:
		s.handleStorePeers(ev)
	case wire.HeaderSearchPeers:
		s.handleSearchPeers(ev)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Service.handle",
			"header":   string(ev.Envelope.Header),
		}).Debug("unknown DHT header, dropping")
	}
}

func anchorBody(env *wire.Envelope) (peerid.ID, error) {
	raw, ok := env.Body["list_id"].(string)
	if !ok {
		return peerid.ID{}, fmt.Errorf("dht: missing list_id")
	}
	return peerid.Parse(raw)
}

func (s *Service) handleFindPeerList(ev requests.Event) {
	anchor, err := anchorBody(ev.Envelope)
	if err != nil {
		return
	}
	s.mu.RLock()
	var out []Record
	for _, rec := range s.anchorList[anchor] {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	reply := wire.NewEnvelope(wire.HeaderFindPeerList)
	reply.MsgID = ev.Envelope.MsgID
	reply.Body["peers"] = out
	_ = s.endpoint.SendTo(wire.RootDHT, reply, ev.From, false)
}

func (s *Service) handleStorePeers(ev requests.Event) {
	anchor, err := anchorBody(ev.Envelope)
	if err != nil {
		return
	}
	records, _ := ev.Envelope.Body["peers"].([]Record)

	s.mu.Lock()
	bucket, ok := s.anchorList[anchor]
	if !ok {
		bucket = make(map[peerid.ID]Record)
		s.anchorList[anchor] = bucket
	}
	for _, rec := range records {
		bucket[rec.ID] = rec
	}
	s.mu.Unlock()
}

func (s *Service) handleSearchPeers(ev requests.Event) {
	substr, _ := ev.Envelope.Body["substring"].(string)
	matches := s.registry.SearchByName(substr)

	var out []Record
	for _, p := range matches {
		snap := p.Snapshot()
		out = append(out, Record{ID: snap.ID, Name: snap.Name, IP: snap.IP, RequestPort: snap.RequestPort, ConnPort: snap.ConnPort})
	}

	reply := wire.NewEnvelope(wire.HeaderSearchPeers)
	reply.MsgID = ev.Envelope.MsgID
	reply.Body["peers"] = out
	_ = s.endpoint.SendTo(wire.RootDHT, reply, ev.From, false)
}

// call sends a DHT RPC to addr and awaits a matching reply up to timeout.
func (s *Service) call(ctx context.Context, header wire.Header, addr *net.UDPAddr, body map[string]any, timeout time.Duration) (*wire.Envelope, error) {
	env := wire.NewEnvelope(header)
	env.MsgID = uuid.NewString()
	for k, v := range body {
		env.Body[k] = v
	}

	waiter := s.endpoint.Dispatcher().RegisterReply(env.MsgID)
	if err := s.endpoint.SendTo(wire.RootDHT, env, addr, true); err != nil {
		s.endpoint.Dispatcher().CancelReply(env.MsgID)
		return nil, err
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-waiter:
		return reply, nil
	case <-tctx.Done():
		s.endpoint.Dispatcher().CancelReply(env.MsgID)
		return nil, fmt.Errorf("dht: rpc %s to %s: %w", header, addr, tctx.Err())
	}
}

// FindPeerList calls FIND_PEER_LIST on addr for the given anchor.
func (s *Service) FindPeerList(ctx context.Context, addr *net.UDPAddr, anchor peerid.ID, timeout time.Duration) ([]Record, error) {
	reply, err := s.call(ctx, wire.HeaderFindPeerList, addr, map[string]any{"list_id": anchor.String()}, timeout)
	if err != nil {
		return nil, err
	}
	peers, _ := reply.Body["peers"].([]Record)
	return peers, nil
}

// StorePeers asks addr to remember records for the given anchor. It is
// fire-and-forget: no reply is expected.
func (s *Service) StorePeers(anchor peerid.ID, addr *net.UDPAddr, records []Record) error {
	env := wire.NewEnvelope(wire.HeaderStorePeers)
	env.Body["list_id"] = anchor.String()
	env.Body["peers"] = records
	return s.endpoint.SendTo(wire.RootDHT, env, addr, false)
}

// SearchPeers calls SEARCH_PEERS on addr.
func (s *Service) SearchPeers(ctx context.Context, addr *net.UDPAddr, substring string, timeout time.Duration) ([]Record, error) {
	reply, err := s.call(ctx, wire.HeaderSearchPeers, addr, map[string]any{"substring": substring}, timeout)
	if err != nil {
		return nil, err
	}
	peers, _ := reply.Body["peers"].([]Record)
	return peers, nil
}

// Self returns this node's own record, for StorePeers and bootstrap.
func (s *Service) Self() Record { return s.self }

// Table returns the underlying routing table.
func (s *Service) Table() *Table { return s.table }
