package messaging

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/peerconnect/conn"
	"github.com/opd-ai/peerconnect/peer"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// recordingPeer starts a bare TCP listener standing in for a remote peer's
// connection port, recording every envelope written to it.
type recordingPeer struct {
	addr     *net.TCPAddr
	received chan *wire.Envelope
}

func newRecordingPeer(t *testing.T) *recordingPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	rp := &recordingPeer{
		addr:     ln.Addr().(*net.TCPAddr),
		received: make(chan *wire.Envelope, 16),
	}

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go rp.drain(c)
		}
	}()

	return rp
}

func (rp *recordingPeer) drain(c net.Conn) {
	defer c.Close()
	for {
		env, err := wire.ReadFrame(c)
		if err != nil {
			return
		}
		rp.received <- env
	}
}

func newTestSenderDeps(t *testing.T) (*conn.Pool, *peer.Registry, peerid.ID, *recordingPeer) {
	t.Helper()
	rp := newRecordingPeer(t)

	reg := peer.NewRegistry()
	target := peerid.FromSeed(42)
	p := peer.New(target, "remote", rp.addr.IP.String(), 1, uint16(rp.addr.Port))
	reg.Add(p)

	w := conn.NewWatcher(context.Background(), 1000, time.Hour, prometheus.NewRegistry())
	t.Cleanup(w.Close)

	pool := conn.NewPool(peerid.FromSeed(1), reg, w, 4, time.Second)
	return pool, reg, target, rp
}

func TestSenderDeliversQueuedText(t *testing.T) {
	pool, reg, target, rp := newTestSenderDeps(t)

	s := NewSender(context.Background(), peerid.FromSeed(1), target, pool, reg, nil)
	defer s.Stop()

	done := s.SendText("hello")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send never resolved")
	}

	select {
	case env := <-rp.received:
		require.Equal(t, wire.HeaderCmdText, env.Header)
		require.Equal(t, "hello", env.Body["text"])
	case <-time.After(time.Second):
		t.Fatal("remote never received the envelope")
	}
}

func TestSenderSendTextAfterStopReturnsErrStopped(t *testing.T) {
	pool, reg, target, _ := newTestSenderDeps(t)

	s := NewSender(context.Background(), peerid.FromSeed(1), target, pool, reg, nil)
	s.Stop()

	done := s.SendText("too late")
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("queued message after stop should resolve with ErrStopped")
	}
}

func TestSenderFailsFastWhenPeerOffline(t *testing.T) {
	pool, reg, target, _ := newTestSenderDeps(t)

	p, err := reg.Get(target)
	require.NoError(t, err)
	p.SetStatus(peer.StatusOffline)

	s := NewSender(context.Background(), peerid.FromSeed(1), target, pool, reg, nil)
	defer s.Stop()

	done := s.SendText("nobody home")
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPeerOffline)
	case <-time.After(time.Second):
		t.Fatal("send against an offline peer never resolved")
	}
}

func TestSenderTreatsUnregisteredPeerAsOffline(t *testing.T) {
	reg := peer.NewRegistry()
	target := peerid.FromSeed(99)
	// No peer registered at all: registry.Get fails, which the sender
	// treats the same as "not online" rather than attempting to dial.
	w := conn.NewWatcher(context.Background(), 1000, time.Hour, prometheus.NewRegistry())
	defer w.Close()
	pool := conn.NewPool(peerid.FromSeed(1), reg, w, 4, 50*time.Millisecond)

	s := NewSender(context.Background(), peerid.FromSeed(1), target, pool, reg, nil)
	defer s.Stop()

	done := s.SendText("hi")
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPeerOffline)
	case <-time.After(time.Second):
		t.Fatal("send against an unregistered peer never resolved")
	}
}
