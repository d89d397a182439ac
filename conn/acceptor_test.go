package conn

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAcceptor(t *testing.T, idleBudget time.Duration) (*Acceptor, *Dispatcher, *Watcher) {
	t.Helper()
	reg := peer.NewRegistry()
	w := newTestWatcher(t, 1000, time.Hour)
	disp := NewDispatcher(context.Background(), w, idleBudget)
	t.Cleanup(disp.Close)

	a, err := NewAcceptor(context.Background(), "127.0.0.1:0", reg, w, disp, nil, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a, disp, w
}

func writeHandshake(t *testing.T, conn net.Conn, sender peerid.ID, header wire.Header) {
	t.Helper()
	env := wire.NewEnvelope(header)
	env.PeerID = sender.String()
	require.NoError(t, wire.WriteFrame(conn, env))
}

func TestAcceptorDispatchesKnownHandshake(t *testing.T) {
	a, disp, _ := newTestAcceptor(t, time.Minute)

	var calls int32
	disp.OnHeader(wire.HeaderPing, func(ctx context.Context, ev ConnectionEvent) error {
		atomic.AddInt32(&calls, 1)
		ev.Connection.Unlock()
		return nil
	})

	client, err := net.Dial("tcp", a.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	writeHandshake(t, client, peerid.FromSeed(5), wire.HeaderPing)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAcceptorClosesUnknownHeader(t *testing.T) {
	a, _, w := newTestAcceptor(t, time.Minute)

	client, err := net.Dial("tcp", a.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	writeHandshake(t, client, peerid.FromSeed(5), wire.Header("UNKNOWN_HEADER"))

	require.Eventually(t, func() bool {
		return w.Count() == 0
	}, time.Second, 5*time.Millisecond)

	buf := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client.Read(buf)
	assert.Error(t, err, "server should have closed the socket")
}

func TestAcceptorParksAndRedispatchesOnSecondFrame(t *testing.T) {
	a, disp, _ := newTestAcceptor(t, time.Minute)

	var mu sync.Mutex
	var headers []wire.Header
	disp.OnHeader(wire.HeaderPing, func(ctx context.Context, ev ConnectionEvent) error {
		mu.Lock()
		headers = append(headers, ev.Handshake.Header)
		mu.Unlock()
		ev.Connection.Unlock()
		return nil
	})

	client, err := net.Dial("tcp", a.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	writeHandshake(t, client, peerid.FromSeed(5), wire.HeaderPing)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(headers) == 1
	}, time.Second, 5*time.Millisecond)

	// Give the reacquire-and-park step a moment to actually park the
	// connection before sending the next frame.
	time.Sleep(50 * time.Millisecond)
	writeHandshake(t, client, peerid.FromSeed(5), wire.HeaderPing)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(headers) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestParkedConnectionClosesOnIdleTimeout(t *testing.T) {
	a, disp, w := newTestAcceptor(t, 20*time.Millisecond)

	disp.OnHeader(wire.HeaderPing, func(ctx context.Context, ev ConnectionEvent) error {
		ev.Connection.Unlock()
		return nil
	})

	client, err := net.Dial("tcp", a.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	writeHandshake(t, client, peerid.FromSeed(5), wire.HeaderPing)

	require.Eventually(t, func() bool {
		return w.Count() == 0
	}, time.Second, 5*time.Millisecond, "parked connection should be evicted after its idle budget")
}
