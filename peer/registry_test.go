package peer

import (
	"testing"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddThenGetReturnsAddedRecord(t *testing.T) {
	r := NewRegistry()
	id := peerid.FromSeed(1)
	p := New(id, "alice", "10.0.0.1", 35896, 35897)

	r.Add(p)

	got, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestRemoveThenGetSignalsNotFound(t *testing.T) {
	r := NewRegistry()
	id := peerid.FromSeed(2)
	r.Add(New(id, "bob", "10.0.0.2", 35896, 35897))

	require.NoError(t, r.Remove(id))

	_, err := r.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveUnknownReturnsNotFound(t *testing.T) {
	r := NewRegistry()
	err := r.Remove(peerid.FromSeed(99))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOnlineFiltersByStatus(t *testing.T) {
	r := NewRegistry()
	online := New(peerid.FromSeed(1), "alice-42", "10.0.0.1", 1, 2)
	offline := New(peerid.FromSeed(2), "bob", "10.0.0.2", 1, 2)
	offline.SetStatus(StatusOffline)
	r.Add(online)
	r.Add(offline)

	got := r.Online()
	require.Len(t, got, 1)
	assert.Equal(t, online.ID(), got[0].ID())
}

func TestSearchByNameCaseInsensitiveSubstring(t *testing.T) {
	r := NewRegistry()
	r.Add(New(peerid.FromSeed(1), "alice-42", "10.0.0.1", 1, 2))
	r.Add(New(peerid.FromSeed(2), "bob", "10.0.0.2", 1, 2))

	got := r.SearchByName("ALICE")
	require.Len(t, got, 1)
	assert.Equal(t, "alice-42", got[0].Name())
}

func TestIsOnlineInvariant(t *testing.T) {
	p := New(peerid.FromSeed(1), "alice", "10.0.0.1", 1, 2)
	assert.True(t, p.IsOnline())
	p.SetStatus(StatusOffline)
	assert.False(t, p.IsOnline())
}
