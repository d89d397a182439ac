package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnchorsAreEvenlySpacedAndDistinct(t *testing.T) {
	list := Anchors()
	assert.Equal(t, AnchorCount, len(list))

	seen := make(map[string]bool)
	for _, a := range list {
		assert.False(t, seen[a.String()], "anchor ids must be distinct")
		seen[a.String()] = true
	}
	assert.True(t, list[0].IsZero(), "first anchor is the zero point")
}

func TestAnchorCursorRoundRobinsAndWraps(t *testing.T) {
	c := NewAnchorCursor()
	all := Anchors()

	for i := 0; i < AnchorCount; i++ {
		assert.Equal(t, all[i], c.Advance())
	}
	// Wraps back to the first anchor after AnchorCount advances.
	assert.Equal(t, all[0], c.Advance())
}
