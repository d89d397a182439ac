// Package peerid derives and manipulates the 160-bit peer identifiers used
// throughout PeerConnect's overlay: the DHT key space, gossip routing, and
// the peer registry all key off this type.
package peerid

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Size is the length of a peer id in bytes (160 bits).
const Size = 20

// ID is a 160-bit peer identifier.
type ID [Size]byte

// String returns the lowercase hex encoding of the id.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// FromSeed derives a peer id by hashing a user-supplied integer seed with
// BLAKE3's extendable output, truncated to Size bytes. The id is stable for
// the lifetime of a process: the same seed always yields the same id
// (spec.md §3: "id is computed once from a stable numeric seed").
func FromSeed(seed int64) ID {
	h := blake3.New()
	var seedBytes [8]byte
	for i := 0; i < 8; i++ {
		seedBytes[i] = byte(seed >> (8 * i))
	}
	_, _ = h.Write(seedBytes[:])
	digest := h.Digest()

	var id ID
	buf := make([]byte, Size)
	_, _ = digest.Read(buf)
	copy(id[:], buf)
	return id
}

// Parse decodes a hex string produced by String back into an ID.
func Parse(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("peerid: parse %q: %w", s, err)
	}
	if len(b) != Size {
		return ID{}, fmt.Errorf("peerid: parse %q: want %d bytes, got %d", s, Size, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// XOR returns the XOR distance between two ids, independent of the kbucket
// library's internal distance type.
func XOR(a, b ID) ID {
	var out ID
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether a represents a smaller distance/value than b,
// compared as a big-endian unsigned integer.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}
