package gossip

import (
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
)

// seenEntry tracks one in-flight gossip message (spec.md §3, §4.5).
type seenEntry struct {
	timeIn  time.Time
	created time.Time
	sentTo  map[peerid.ID]bool
}

// seenSet is the map `msg_id -> {time_in, created, peer_ids_sent_to}` plus
// the dropped set it feeds into once entries age past the seen TTL.
// At most one live entry per msg_id exists at a time (spec.md §8).
type seenSet struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	dropped map[string]bool
	ttl     time.Duration
}

func newSeenSet(ttl time.Duration) *seenSet {
	return &seenSet{
		seen:    make(map[string]*seenEntry),
		dropped: make(map[string]bool),
		ttl:     ttl,
	}
}

// isDropped reports whether msgID has already aged out of the seen set.
func (s *seenSet) isDropped(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[msgID]
}

// get returns the live entry for msgID, if any, and whether it exists.
func (s *seenSet) get(msgID string) (*seenEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.seen[msgID]
	return e, ok
}

// record creates a new live entry for a first-seen message.
func (s *seenSet) record(msgID string, created time.Time) *seenEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &seenEntry{timeIn: time.Now(), created: created, sentTo: make(map[peerid.ID]bool)}
	s.seen[msgID] = e
	return e
}

// markSent records that msgID has been forwarded to id, so future sampling
// excludes it.
func (s *seenSet) markSent(msgID string, ids []peerid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.seen[msgID]
	if !ok {
		return
	}
	for _, id := range ids {
		e.sentTo[id] = true
	}
}

func (s *seenSet) alreadySent(msgID string) map[peerid.ID]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.seen[msgID]
	if !ok {
		return nil
	}
	out := make(map[peerid.ID]bool, len(e.sentTo))
	for id := range e.sentTo {
		out[id] = true
	}
	return out
}

// sweep moves entries older than ttl from seen to dropped. Once dropped, a
// msg_id is never re-forwarded (spec.md §8).
func (s *seenSet) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	moved := 0
	for id, e := range s.seen {
		if now.Sub(e.timeIn) > s.ttl {
			delete(s.seen, id)
			s.dropped[id] = true
			moved++
		}
	}
	return moved
}
