package gossip

import (
	"context"
	"fmt"
	"math/rand"
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

// minForwardChance is the floor on should_gossip's forwarding probability
// (spec.md §4.5): even a message about to expire is still forwarded 60% of
// the time, so the last hop before GlobalTTL isn't silently dropped.
const minForwardChance = 0.6

// Engine is the rumor-mongering gossip layer (spec.md §4.5). One Engine
// owns the seen/dropped set for every msg_id this node has observed and
// the handler registry for gossip message kinds (MESSAGE, SEARCH_REQ,
// SEARCH_REPLY, and any plugin-style extension header).
type Engine struct {
	self     peerid.ID
	registry *peer.Registry
	endpoint *requests.Endpoint

	globalTTL time.Duration
	alpha     int

	seen *seenSet

	mu       sync.RWMutex
	handlers map[wire.Header]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine constructs the gossip engine and registers it on the endpoint's
// dispatcher under wire.RootGossip. The seen-set sweep runs every
// seenTTL/2 (spec.md §4.5).
func NewEngine(ctx context.Context, self peerid.ID, registry *peer.Registry, endpoint *requests.Endpoint, globalTTL, seenTTL time.Duration, alpha int) *Engine {
	cctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		self:      self,
		registry:  registry,
		endpoint:  endpoint,
		globalTTL: globalTTL,
		alpha:     alpha,
		seen:      newSeenSet(seenTTL),
		handlers:  make(map[wire.Header]Handler),
		ctx:       cctx,
		cancel:    cancel,
	}
	endpoint.Dispatcher().RegisterRoot(wire.RootGossip, e.handleEvent)

	e.wg.Add(1)
	go e.sweepLoop(seenTTL / 2)

	return e
}

// OnHeader installs a Handler invoked for every freshly-seen message whose
// Header matches. Registering under an already-used header replaces the
// previous handler.
func (e *Engine) OnHeader(header wire.Header, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[header] = h
}

// Close stops the periodic sweep.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Inject originates a brand-new rumor at this node: CMD_TEXT chat, a
// SEARCH_REQ query, or any other gossip-carried header. It runs the same
// arrival path as a received message so the originator's own fan-out
// follows should_gossip/sample_peers identically (spec.md §4.5).
func (e *Engine) Inject(header wire.Header, payload string, ttl int) Message {
	msg := Message{
		ID:      uuid.NewString(),
		Header:  header,
		Payload: payload,
		Created: time.Now(),
		TTL:     ttl,
	}
	e.arrive(e.self, msg)
	return msg
}

func (e *Engine) handleEvent(ev requests.Event) {
	msg := messageFromEnvelope(ev.Envelope)
	sender, _ := peerid.Parse(ev.Envelope.PeerID)
	e.arrive(sender, msg)
}

// arrive implements spec.md §4.5's exact "on message arrival" order: a
// message that fails should_gossip is dropped outright, even on first
// sight — not recorded, not delivered, not forwarded. A message already in
// the seen set is re-fanned-out without re-delivery. Only a message that is
// both gossip-worthy and new-to-us is recorded and handed to its handler.
func (e *Engine) arrive(from peerid.ID, msg Message) {
	if !e.shouldGossip(msg.ID, msg.Created) {
		return
	}

	if _, already := e.seen.get(msg.ID); already {
		e.forward(msg)
		return
	}

	e.seen.record(msg.ID, msg.Created)

	e.mu.RLock()
	handler := e.handlers[msg.Header]
	e.mu.RUnlock()
	if handler != nil {
		handler(from, msg)
	}

	e.forward(msg)
}

// shouldGossip computes spec.md §4.5's forwarding decision: messages in the
// dropped set never forward again; otherwise forward with probability
// chance = max(0.6, (GLOBAL_TTL - elapsed) / GLOBAL_TTL), and never once
// elapsed exceeds GLOBAL_TTL.
func (e *Engine) shouldGossip(msgID string, created time.Time) bool {
	if e.seen.isDropped(msgID) {
		return false
	}
	elapsed := time.Since(created)
	if elapsed > e.globalTTL {
		return false
	}
	chance := float64(e.globalTTL-elapsed) / float64(e.globalTTL)
	if chance < minForwardChance {
		chance = minForwardChance
	}
	return rand.Float64() < chance
}

// forward sends msg to a reservoir-sampled subset of online peers that
// haven't already received it, then marks them sent so a later fan-out
// round for the same msg_id doesn't repeat a target.
func (e *Engine) forward(msg Message) {
	targets := e.samplePeers(msg.ID, e.alpha)
	if len(targets) == 0 {
		return
	}

	env := msg.toEnvelope()
	env.PeerID = e.self.String()

	sent := make([]peerid.ID, 0, len(targets))
	for _, snap := range targets {
		addr := &net.UDPAddr{IP: net.ParseIP(snap.IP), Port: int(snap.RequestPort)}
		if addr.IP == nil {
			continue
		}
		if err := e.endpoint.SendTo(wire.RootGossip, env, addr, false); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Engine.forward",
				"msg_id":   msg.ID,
				"peer_id":  snap.ID.String(),
			}).WithError(err).Debug("gossip forward failed")
			continue
		}
		sent = append(sent, snap.ID)
	}
	e.seen.markSent(msg.ID, sent)
}

// samplePeers reservoir-samples up to k online peers, excluding peers the
// msg_id has already been forwarded to (spec.md §4.5's sample_peers).
func (e *Engine) samplePeers(msgID string, k int) []peer.Snapshot {
	already := e.seen.alreadySent(msgID)
	online := e.registry.Online()

	candidates := make([]peer.Snapshot, 0, len(online))
	for _, p := range online {
		snap := p.Snapshot()
		if snap.ID == e.self || already[snap.ID] {
			continue
		}
		candidates = append(candidates, snap)
	}
	if len(candidates) <= k {
		return candidates
	}

	reservoir := make([]peer.Snapshot, k)
	copy(reservoir, candidates[:k])
	for i := k; i < len(candidates); i++ {
		j := rand.Intn(i + 1)
		if j < k {
			reservoir[j] = candidates[i]
		}
	}
	return reservoir
}

func (e *Engine) sweepLoop(interval time.Duration) {
	defer e.wg.Done()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			moved := e.seen.sweep()
			if moved > 0 {
				logrus.WithFields(logrus.Fields{
					"function": "Engine.sweepLoop",
					"moved":    moved,
				}).Debug("swept expired gossip entries to dropped set")
			}
		}
	}
}

// Deliver sends msg directly to a single known peer, bypassing the
// seen-set and reservoir sampling entirely. This is for replies that must
// go straight back to a request's source (spec.md §4.6's SEARCH_REPLY,
// "addressed to the request's source, ttl=1") rather than fan out.
func (e *Engine) Deliver(to peerid.ID, msg Message) error {
	p, err := e.registry.Get(to)
	if err != nil {
		return fmt.Errorf("gossip: deliver to %s: %w", to, err)
	}
	snap := p.Snapshot()
	addr := &net.UDPAddr{IP: net.ParseIP(snap.IP), Port: int(snap.RequestPort)}
	if addr.IP == nil {
		return fmt.Errorf("gossip: deliver to %s: unresolvable address %q", to, snap.IP)
	}
	env := msg.toEnvelope()
	env.PeerID = e.self.String()
	return e.endpoint.SendTo(wire.RootGossip, env, addr, false)
}

// BroadcastText is a convenience wrapper over Inject for CMD_TEXT chat
// messages, returning the msg_id the caller can use to recognize its own
// echo if the handler also fires locally.
func (e *Engine) BroadcastText(text string, ttl int) string {
	return e.Inject(wire.HeaderCmdText, text, ttl).ID
}
