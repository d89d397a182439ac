package requests

import (
	"fmt"
	"sync"

	"github.com/opd-ai/peerconnect/wire"
)

// replyRegistry correlates inbound envelopes to callers awaiting a specific
// msg_id. A reply is resolved at most once (spec.md §8 testable property);
// callers apply their own deadline since waiters have no intrinsic timeout
// (spec.md §4.3).
type replyRegistry struct {
	mu      sync.Mutex
	waiters map[string]chan *wire.Envelope
}

func newReplyRegistry() *replyRegistry {
	return &replyRegistry{waiters: make(map[string]chan *wire.Envelope)}
}

// register creates a one-shot channel for msgID. Registering the same
// msgID twice replaces the prior waiter, which is never resolved further
// (last registration wins, matching the "at most once" contract per id).
func (r *replyRegistry) register(msgID string) <-chan *wire.Envelope {
	ch := make(chan *wire.Envelope, 1)
	r.mu.Lock()
	r.waiters[msgID] = ch
	r.mu.Unlock()
	return ch
}

// cancel removes a waiter without resolving it, used when a caller's
// deadline fires before any reply arrives.
func (r *replyRegistry) cancel(msgID string) {
	r.mu.Lock()
	delete(r.waiters, msgID)
	r.mu.Unlock()
}

// fulfill resolves the waiter for env.MsgID, if any is registered. It
// returns true if a waiter was found and fulfilled.
func (r *replyRegistry) fulfill(env *wire.Envelope) bool {
	r.mu.Lock()
	ch, ok := r.waiters[env.MsgID]
	if ok {
		delete(r.waiters, env.MsgID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- env
	close(ch)
	return true
}

// validateExpectReply enforces spec.md §4.3: "sendto(msg, peer,
// expect_reply=true) is an error if msg.msg_id is unset".
func validateExpectReply(env *wire.Envelope) error {
	if env.MsgID == "" {
		return fmt.Errorf("requests: envelope has no msg_id, cannot expect a reply")
	}
	return nil
}
