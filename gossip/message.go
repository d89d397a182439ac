// Package gossip implements PeerConnect's rumor-mongering engine
// (spec.md §4.5): TTL-bounded forwarding with a seen/dropped set and
// reservoir-sampled fan-out, carrying both freeform chat messages and
// distributed-search queries/replies.
package gossip

import (
	"time"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
)

// Message is one gossip rumor as it exists on the wire (spec.md §3).
type Message struct {
	ID      string
	Header  wire.Header
	Payload string
	Created time.Time
	TTL     int
}

// toEnvelope serializes a Message as an Envelope for the gossip root code.
func (m Message) toEnvelope() *wire.Envelope {
	env := wire.NewEnvelope(m.Header)
	env.MsgID = m.ID
	env.Body["message"] = m.Payload
	env.Body["created"] = m.Created.Unix()
	env.Body["ttl"] = int64(m.TTL)
	return env
}

func messageFromEnvelope(env *wire.Envelope) Message {
	created := time.Now()
	if sec, ok := env.Body["created"].(int64); ok {
		created = time.Unix(sec, 0)
	}
	ttl := 0
	if v, ok := env.Body["ttl"].(int64); ok {
		ttl = int(v)
	}
	payload, _ := env.Body["message"].(string)
	return Message{
		ID:      env.MsgID,
		Header:  env.Header,
		Payload: payload,
		Created: created,
		TTL:     ttl,
	}
}

// Handler processes a gossip message after the engine has decided it is
// new-to-us. It is invoked at most once per unique msg_id; a duplicate that
// is only re-fanned out does not reach it.
type Handler func(from peerid.ID, msg Message)
