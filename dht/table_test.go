package dht

import (
	"testing"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableAddAndClosestTo(t *testing.T) {
	self := peerid.FromSeed(1)
	table, err := NewTable(self)
	require.NoError(t, err)

	other := peerid.FromSeed(2)
	table.Add(other)

	assert.Equal(t, 1, table.Size())
	closest := table.ClosestTo(other, 5)
	require.Len(t, closest, 1)
	assert.Equal(t, other, closest[0])
}

func TestTableRemove(t *testing.T) {
	self := peerid.FromSeed(1)
	table, err := NewTable(self)
	require.NoError(t, err)

	other := peerid.FromSeed(2)
	table.Add(other)
	require.Equal(t, 1, table.Size())

	table.Remove(other)
	assert.Equal(t, 0, table.Size())
}

func TestTableOnPeerRemovedCallback(t *testing.T) {
	self := peerid.FromSeed(1)
	table, err := NewTable(self)
	require.NoError(t, err)

	var removed peerid.ID
	table.OnPeerRemoved(func(id peerid.ID) { removed = id })

	other := peerid.FromSeed(2)
	table.Add(other)
	table.Remove(other)

	assert.Equal(t, other, removed)
}
