package dht

import (
	"math/big"
	"sync"

	"github.com/opd-ai/peerconnect/peerid"
)

// AnchorCount is the fixed number of anchor ids evenly spaced across the
// 160-bit key space (spec.md §3: "currently 20").
const AnchorCount = 20

// anchors holds the fixed anchor-id table, computed once at package init:
// anchors[i] = i * 2^160 / AnchorCount.
var anchors = computeAnchors()

func computeAnchors() [AnchorCount]peerid.ID {
	var out [AnchorCount]peerid.ID

	space := new(big.Int).Lsh(big.NewInt(1), peerid.Size*8) // 2^160
	step := new(big.Int).Div(space, big.NewInt(AnchorCount))

	for i := 0; i < AnchorCount; i++ {
		point := new(big.Int).Mul(step, big.NewInt(int64(i)))
		b := point.Bytes()
		var id peerid.ID
		// Left-pad into the fixed-width id; big.Int.Bytes() is big-endian
		// and omits leading zeros.
		copy(id[peerid.Size-len(b):], b)
		out[i] = id
	}
	return out
}

// Anchors returns the fixed anchor-id table.
func Anchors() [AnchorCount]peerid.ID {
	return anchors
}

// AnchorCursor round-robins through the anchor table for anchor enumeration
// (spec.md §4.4 peer enumeration, §3: "this list is never cached across a
// query; it is re-resolved via the DHT for every enumeration step" — the
// cursor only tracks *which* anchor is next, never the result of resolving
// it).
type AnchorCursor struct {
	mu   sync.Mutex
	next int
}

// NewAnchorCursor starts enumeration at anchor 0.
func NewAnchorCursor() *AnchorCursor {
	return &AnchorCursor{}
}

// Advance returns the next anchor id and advances the cursor, wrapping to 0
// on overflow.
func (c *AnchorCursor) Advance() peerid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := anchors[c.next]
	c.next = (c.next + 1) % AnchorCount
	return id
}
