package requests

import (
	"context"
	"fmt"
	"net"

	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// Endpoint owns the one shared UDP socket used for DHT RPCs, gossip,
// discovery, and short control requests (spec.md §4.3).
type Endpoint struct {
	conn *net.UDPConn
	disp *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
}

// Listen binds the endpoint to addr (e.g. ":35896") and starts the receive
// loop in the background. Callers subscribe it to multicast groups
// separately via JoinMulticast (discovery does this; the unicast socket
// itself has no multicast membership by default on most platforms).
func Listen(ctx context.Context, addr string, disp *Dispatcher) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("requests: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("requests: listen %s: %w", addr, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	e := &Endpoint{conn: conn, disp: disp, ctx: cctx, cancel: cancel}
	go e.readLoop()
	return e, nil
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Dispatcher returns the endpoint's dispatcher.
func (e *Endpoint) Dispatcher() *Dispatcher {
	return e.disp
}

// Close stops the receive loop and closes the socket.
func (e *Endpoint) Close() error {
	e.cancel()
	return e.conn.Close()
}

// readLoop implements spec.md §4.3's receive steps 1–3: split root code
// from body, decode, build an Event, submit to the dispatcher. Malformed or
// oversized datagrams are dropped and logged at INFO, never fatal.
func (e *Endpoint) readLoop() {
	buf := make([]byte, wire.MaxFrameSize+1)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		n, from, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.readLoop",
			}).WithError(err).Debug("udp read error")
			continue
		}
		if n == 0 {
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		root, env, err := wire.DecodeUDP(datagram)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Endpoint.readLoop",
				"from":     from.String(),
			}).WithError(err).Info("dropping malformed datagram")
			continue
		}

		e.disp.Dispatch(Event{RootCode: root, Envelope: env, From: from})
	}
}

// SendTo serializes env under root and writes it to addr. If expectReply is
// true, env.MsgID must already be set (spec.md §4.3); this does not itself
// register a waiter — callers use the returned Dispatcher.RegisterReply.
func (e *Endpoint) SendTo(root wire.RootCode, env *wire.Envelope, addr *net.UDPAddr, expectReply bool) error {
	if expectReply {
		if err := validateExpectReply(env); err != nil {
			return err
		}
	}
	datagram, err := wire.EncodeUDP(root, env)
	if err != nil {
		return fmt.Errorf("requests: encode: %w", err)
	}
	if _, err := e.conn.WriteToUDP(datagram, addr); err != nil {
		return fmt.Errorf("requests: send to %s: %w", addr, err)
	}
	return nil
}
