package search

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerconnect/dht"
	"github.com/opd-ai/peerconnect/gossip"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
)

// replyTTL is the SEARCH_REPLY's own TTL: it only needs to reach the
// requester directly, so it is never re-forwarded (spec.md §4.6).
const replyTTL = 1

// GossipDeadline is the default window a gossip search keeps its per-msg-id
// iterator open, per spec.md §4.6 ("a fixed deadline (≈3 s)").
const GossipDeadline = 3 * time.Second

// iteratorTable correlates inbound SEARCH_REPLY messages with the msg_id of
// the SEARCH_REQ that triggered them. SEARCH_REPLY carries its own fresh
// gossip msg_id (it is a new rumor, not the original one echoed back), so
// the correlation id travels inside the reply's payload instead.
type iteratorTable struct {
	mu    sync.Mutex
	chans map[string]chan Result
}

func newIteratorTable() *iteratorTable {
	return &iteratorTable{chans: make(map[string]chan Result)}
}

func (t *iteratorTable) open(reqID string) chan Result {
	ch := make(chan Result, 16)
	t.mu.Lock()
	t.chans[reqID] = ch
	t.mu.Unlock()
	return ch
}

func (t *iteratorTable) push(reqID string, r Result) {
	t.mu.Lock()
	ch, ok := t.chans[reqID]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

func (t *iteratorTable) close(reqID string) {
	t.mu.Lock()
	ch, ok := t.chans[reqID]
	delete(t.chans, reqID)
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

// GossipSearch wires the SEARCH_REQ/SEARCH_REPLY handlers onto a gossip
// engine and exposes ByGossip, implementing spec.md §4.6.2.
type GossipSearch struct {
	self   dht.Record
	engine *gossip.Engine
	iters  *iteratorTable
}

// NewGossipSearch registers the SEARCH_REQ/SEARCH_REPLY handlers on engine.
// self is this node's own record, used to answer SEARCH_REQ name matches.
func NewGossipSearch(self dht.Record, engine *gossip.Engine) *GossipSearch {
	g := &GossipSearch{self: self, engine: engine, iters: newIteratorTable()}
	engine.OnHeader(wire.HeaderGossipSearchReq, g.handleRequest)
	engine.OnHeader(wire.HeaderGossipSearchRep, g.handleReply)
	return g
}

// ByGossip injects a SEARCH_REQ rumor and returns a channel of Results that
// closes once deadline elapses. Callers range over the channel; it is safe
// to stop reading early, the channel is simply garbage once the deadline
// closer fires.
func (g *GossipSearch) ByGossip(ctx context.Context, substring string, deadline time.Duration, ttl int) <-chan Result {
	if deadline <= 0 {
		deadline = GossipDeadline
	}
	msg := g.engine.Inject(wire.HeaderGossipSearchReq, substring, ttl)
	results := g.iters.open(msg.ID)

	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(deadline):
		}
		g.iters.close(msg.ID)
	}()

	return results
}

// handleRequest answers a SEARCH_REQ whose payload matches this node's own
// display name, per spec.md §4.6: reply carries this peer's record,
// addressed back to the request's source, with ttl=1 so it never forwards
// past its destination.
func (g *GossipSearch) handleRequest(from peerid.ID, msg gossip.Message) {
	if from == g.self.ID {
		return
	}
	if !strings.Contains(strings.ToLower(g.self.Name), strings.ToLower(msg.Payload)) {
		return
	}
	reply := gossip.Message{
		ID:      uuid.NewString(),
		Header:  wire.HeaderGossipSearchRep,
		Payload: encodeRecord(g.self, msg.ID),
		Created: time.Now(),
		TTL:     replyTTL,
	}
	_ = g.engine.Deliver(from, reply)
}

// handleReply pushes a SEARCH_REPLY's carried record into the iterator for
// the original request's msg_id, if one is still open.
func (g *GossipSearch) handleReply(from peerid.ID, msg gossip.Message) {
	res, reqID, ok := decodeResult(msg.Payload)
	if !ok {
		return
	}
	g.iters.push(reqID, res)
}

func encodeRecord(rec dht.Record, reqID string) string {
	v := url.Values{}
	v.Set("req_id", reqID)
	v.Set("id", rec.ID.String())
	v.Set("name", rec.Name)
	v.Set("ip", rec.IP)
	v.Set("request_port", strconv.Itoa(int(rec.RequestPort)))
	v.Set("conn_port", strconv.Itoa(int(rec.ConnPort)))
	return v.Encode()
}

func decodeResult(payload string) (Result, string, bool) {
	v, err := url.ParseQuery(payload)
	if err != nil {
		return Result{}, "", false
	}
	id, err := peerid.Parse(v.Get("id"))
	if err != nil {
		return Result{}, "", false
	}
	reqPort, _ := strconv.Atoi(v.Get("request_port"))
	connPort, _ := strconv.Atoi(v.Get("conn_port"))
	res := Result{
		ID:          id,
		Name:        v.Get("name"),
		IP:          v.Get("ip"),
		RequestPort: uint16(reqPort),
		ConnPort:    uint16(connPort),
	}
	return res, v.Get("req_id"), true
}
