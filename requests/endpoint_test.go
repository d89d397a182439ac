package requests

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/peerconnect/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEndpoint(t *testing.T, disp *Dispatcher) *Endpoint {
	t.Helper()
	e, err := Listen(context.Background(), "127.0.0.1:0", disp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestRequestHeaderDispatch(t *testing.T) {
	disp := NewDispatcher()
	received := make(chan Event, 1)
	disp.RegisterHeader(wire.HeaderPing, func(ev Event) { received <- ev })

	server := newTestEndpoint(t, disp)
	client := newTestEndpoint(t, NewDispatcher())

	env := wire.NewEnvelope(wire.HeaderPing)
	env.MsgID = "1"
	require.NoError(t, client.SendTo(wire.RootRequest, env, server.LocalAddr().(*net.UDPAddr), false))

	select {
	case ev := <-received:
		assert.Equal(t, wire.HeaderPing, ev.Envelope.Header)
		assert.Equal(t, "1", ev.Envelope.MsgID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestRootCodeDispatch(t *testing.T) {
	disp := NewDispatcher()
	received := make(chan Event, 1)
	disp.RegisterRoot(wire.RootGossip, func(ev Event) { received <- ev })

	server := newTestEndpoint(t, disp)
	client := newTestEndpoint(t, NewDispatcher())

	env := wire.NewEnvelope(wire.HeaderGossipMessage)
	require.NoError(t, client.SendTo(wire.RootGossip, env, server.LocalAddr().(*net.UDPAddr), false))

	select {
	case ev := <-received:
		assert.Equal(t, wire.RootGossip, ev.RootCode)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestReplyRegistryFulfillsBeforeHandlerLookup(t *testing.T) {
	disp := NewDispatcher()
	handlerCalled := false
	disp.RegisterHeader(wire.HeaderPing, func(ev Event) { handlerCalled = true })

	waiter := disp.RegisterReply("corr-1")

	env := wire.NewEnvelope(wire.HeaderUnping)
	env.MsgID = "corr-1"
	disp.Dispatch(Event{RootCode: wire.RootRequest, Envelope: env})

	select {
	case got := <-waiter:
		assert.Equal(t, "corr-1", got.MsgID)
	case <-time.After(time.Second):
		t.Fatal("reply waiter was not fulfilled")
	}
	assert.False(t, handlerCalled, "a fulfilled reply must not also invoke a handler")
}

func TestReplyResolvedAtMostOnce(t *testing.T) {
	disp := NewDispatcher()
	waiter := disp.RegisterReply("once")

	env := wire.NewEnvelope(wire.HeaderUnping)
	env.MsgID = "once"
	first := disp.replies.fulfill(env)
	second := disp.replies.fulfill(env)

	assert.True(t, first)
	assert.False(t, second)
	<-waiter
}

func TestSendToExpectReplyRequiresMsgID(t *testing.T) {
	client := newTestEndpoint(t, NewDispatcher())
	env := wire.NewEnvelope(wire.HeaderPing)
	err := client.SendTo(wire.RootRequest, env, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, true)
	assert.Error(t, err)
}

func TestUnknownRootCodeDropsWithoutCrash(t *testing.T) {
	disp := NewDispatcher()
	server := newTestEndpoint(t, disp)
	client := newTestEndpoint(t, NewDispatcher())

	env := wire.NewEnvelope(wire.HeaderPing)
	require.NoError(t, client.SendTo(wire.RootCode(0xEE), env, server.LocalAddr().(*net.UDPAddr), false))
	time.Sleep(50 * time.Millisecond) // give the read loop a tick; no panic is the assertion
}
