package messaging

import (
	"context"
	"net"
	"time"

	"github.com/opd-ai/peerconnect/conn"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// TextHandler receives text forwarded from a CMD_MSG_CONN connection
// (spec.md §4.10: "CMD_TEXT -> forward to UI bridge").
type TextHandler func(from peerid.ID, text string)

// Handler is the MessageConnHandler: a read loop on a parked connection
// that frames one envelope at a time, replies to PING, and forwards CMD_TEXT
// to the UI bridge. It gives up after patienceThreshold consecutive read
// timeouts, releasing the connection back to the dispatcher's parking lot.
type Handler struct {
	self              peerid.ID
	recvTimeout       time.Duration
	patienceThreshold int
	onText            TextHandler
}

// NewHandler constructs a MessageConnHandler. recvTimeout and
// patienceThreshold correspond to spec.md §4.10's MSG_RECV_TIMEOUT and
// patience_threshold (≈10).
func NewHandler(self peerid.ID, recvTimeout time.Duration, patienceThreshold int, onText TextHandler) *Handler {
	return &Handler{
		self:              self,
		recvTimeout:       recvTimeout,
		patienceThreshold: patienceThreshold,
		onText:            onText,
	}
}

// Register installs h on disp for CMD_MSG_CONN handshakes.
func (h *Handler) Register(disp *conn.Dispatcher) {
	disp.OnHeader(wire.HeaderCmdMsgConn, h.Handle)
}

// Handle implements conn.Handler. It owns ev.Connection's lock for as long
// as the read loop runs and always releases it before returning, so the
// dispatcher parks the connection for the next logical use.
func (h *Handler) Handle(ctx context.Context, ev conn.ConnectionEvent) error {
	defer ev.Connection.Unlock()

	consecutiveTimeouts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := ev.Connection.Raw().SetReadDeadline(time.Now().Add(h.recvTimeout)); err != nil {
			return err
		}

		env, err := wire.ReadFrame(ev.Connection.Raw())
		if err != nil {
			if isTimeout(err) {
				consecutiveTimeouts++
				if consecutiveTimeouts >= h.patienceThreshold {
					return nil
				}
				continue
			}
			return err
		}

		consecutiveTimeouts = 0
		ev.Connection.MarkRecv()
		h.dispatch(ev, env)
	}
}

func (h *Handler) dispatch(ev conn.ConnectionEvent, env *wire.Envelope) {
	switch env.Header {
	case wire.HeaderPing:
		h.reply(ev, env)
	case wire.HeaderCmdText:
		h.forwardText(env)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Handler.dispatch",
			"header":   string(env.Header),
			"peer_id":  ev.Connection.Peer().String(),
		}).Debug("unrecognized header on message connection, ignoring")
	}
}

func (h *Handler) reply(ev conn.ConnectionEvent, ping *wire.Envelope) {
	reply := wire.NewEnvelope(wire.HeaderUnping)
	reply.MsgID = ping.MsgID
	reply.PeerID = h.self.String()
	if err := wire.WriteFrame(ev.Connection.Raw(), reply); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handler.reply",
			"peer_id":  ev.Connection.Peer().String(),
		}).WithError(err).Debug("failed to write UNPING")
		return
	}
	ev.Connection.MarkSent()
}

func (h *Handler) forwardText(env *wire.Envelope) {
	if h.onText == nil {
		return
	}
	text, _ := env.Body["text"].(string)
	sender, err := peerid.Parse(env.PeerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Handler.forwardText",
			"peer_id":  env.PeerID,
		}).WithError(err).Debug("CMD_TEXT with unparseable sender id, dropping")
		return
	}
	h.onText(sender, text)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
