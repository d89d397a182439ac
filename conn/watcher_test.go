package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, maxTotal int, maxIdle time.Duration) *Watcher {
	t.Helper()
	reg := prometheus.NewRegistry()
	w := NewWatcher(context.Background(), maxTotal, maxIdle, reg)
	t.Cleanup(w.Close)
	return w
}

func newPipeConnection(t *testing.T, id peerid.ID) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return newConnection(server, id), client
}

func TestWatcherRegisterTracksCount(t *testing.T) {
	w := newTestWatcher(t, 100, time.Minute)
	c, _ := newPipeConnection(t, peerid.FromSeed(1))

	w.Register(c)
	assert.Equal(t, 1, w.Count())
}

func TestWatcherRequestClosingRemovesAndCloses(t *testing.T) {
	w := newTestWatcher(t, 100, time.Minute)
	c, _ := newPipeConnection(t, peerid.FromSeed(1))
	w.Register(c)

	w.RequestClosing(c)
	assert.Equal(t, 0, w.Count())
	select {
	case <-c.Closed():
	default:
		t.Fatal("connection should be closed")
	}
}

func TestWatcherRefreshDistinguishesClosedFromActive(t *testing.T) {
	w := newTestWatcher(t, 100, time.Minute)
	active, _ := newPipeConnection(t, peerid.FromSeed(1))
	closed, _ := newPipeConnection(t, peerid.FromSeed(2))
	require.NoError(t, closed.Close())

	activeN, closedN := w.Refresh(peerid.FromSeed(1), active, closed)
	assert.Equal(t, 1, activeN)
	assert.Equal(t, 1, closedN)
}

func TestWatcherSweepEvictsIdleOnlyOverCap(t *testing.T) {
	w := newTestWatcher(t, 1, 5*time.Millisecond)
	c, _ := newPipeConnection(t, peerid.FromSeed(1))
	w.Register(c)

	require.Eventually(t, func() bool {
		return w.Count() == 0
	}, time.Second, 5*time.Millisecond, "idle connection over cap should be evicted")

	select {
	case <-c.Closed():
	default:
		t.Fatal("evicted connection should be closed")
	}
}

func TestWatcherSweepLeavesConnectionsUnderCap(t *testing.T) {
	w := newTestWatcher(t, 10, 5*time.Millisecond)
	c, _ := newPipeConnection(t, peerid.FromSeed(1))
	w.Register(c)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, w.Count(), "under the total cap, idle connections are never evicted")
}
