// Package requests implements the single shared UDP request/datagram plane
// (spec.md §4.3): one socket multiplexing DHT RPCs, gossip, discovery, and
// short control requests, with a reply-correlation registry.
package requests

import (
	"net"

	"github.com/opd-ai/peerconnect/wire"
)

// Event is what the endpoint hands to the dispatcher for every inbound
// datagram that isn't consumed by the reply registry.
type Event struct {
	RootCode wire.RootCode
	Envelope *wire.Envelope
	From     *net.UDPAddr
}

// Handler processes one Event. Handlers are invoked on their own goroutine
// by the dispatcher; a panic or error must never reach the dispatcher's own
// loop (spec.md §4.3: "Handler exceptions are caught and logged").
type Handler func(ev Event)
