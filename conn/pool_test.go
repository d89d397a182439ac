package conn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemotePeer starts a bare TCP listener standing in for a peer's
// connection port. It drains every accepted socket so handshake writes
// never block; it does not otherwise participate in the protocol.
func fakeRemotePeer(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(c)
		}
	}()

	return ln.Addr().(*net.TCPAddr)
}

func newTestPool(t *testing.T, maxPerPeer int) (*Pool, *peer.Registry, peerid.ID) {
	t.Helper()
	addr := fakeRemotePeer(t)
	reg := peer.NewRegistry()
	target := peerid.FromSeed(9)
	reg.Add(peer.New(target, "remote", addr.IP.String(), 1, uint16(addr.Port)))

	w := newTestWatcher(t, 1000, time.Hour)
	pool := NewPool(peerid.FromSeed(1), reg, w, maxPerPeer, time.Second)
	return pool, reg, target
}

func TestPoolConnectDialsNewConnection(t *testing.T) {
	pool, _, target := newTestPool(t, 2)

	c, err := pool.Connect(context.Background(), target, wire.HeaderCmdMsgConn, false)
	require.NoError(t, err)
	assert.Equal(t, target, c.Peer())
}

func TestPoolConnectReusesReleasedConnection(t *testing.T) {
	pool, _, target := newTestPool(t, 2)

	first, err := pool.Connect(context.Background(), target, wire.HeaderCmdMsgConn, false)
	require.NoError(t, err)
	pool.Release(first)

	second, err := pool.Connect(context.Background(), target, wire.HeaderCmdMsgConn, false)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestPoolConnectRaisesBusyAtCap(t *testing.T) {
	pool, _, target := newTestPool(t, 1)

	first, err := pool.Connect(context.Background(), target, wire.HeaderCmdMsgConn, false)
	require.NoError(t, err)
	defer pool.Release(first)

	_, err = pool.Connect(context.Background(), target, wire.HeaderCmdMsgConn, true)
	require.Error(t, err)
	var busy *ResourceBusy
	assert.ErrorAs(t, err, &busy)
	assert.Equal(t, target, busy.Peer)
}

func TestPoolConnectWaitsThenUnblocksOnRelease(t *testing.T) {
	pool, _, target := newTestPool(t, 1)

	first, err := pool.Connect(context.Background(), target, wire.HeaderCmdMsgConn, false)
	require.NoError(t, err)

	done := make(chan *Connection, 1)
	go func() {
		c, err := pool.Connect(context.Background(), target, wire.HeaderCmdMsgConn, false)
		require.NoError(t, err)
		done <- c
	}()

	select {
	case <-done:
		t.Fatal("second Connect should block while the cap is held")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(first)

	select {
	case c := <-done:
		assert.Same(t, first, c)
	case <-time.After(time.Second):
		t.Fatal("second Connect never unblocked after Release")
	}
}

func TestPoolConnectRespectsContextCancellation(t *testing.T) {
	pool, _, target := newTestPool(t, 1)

	first, err := pool.Connect(context.Background(), target, wire.HeaderCmdMsgConn, false)
	require.NoError(t, err)
	defer pool.Release(first)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = pool.Connect(ctx, target, wire.HeaderCmdMsgConn, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
