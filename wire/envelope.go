// Package wire implements the framing and serialization used across every
// PeerConnect network surface: a length-prefixed frame on TCP and a
// root-code-prefixed datagram on UDP, both carrying the same tagged-union
// Envelope.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
)

// RootCode partitions the UDP message space into disjoint handler families.
// Every datagram on the shared request socket starts with exactly one of
// these bytes.
type RootCode byte

const (
	RootRequest   RootCode = 0x01
	RootGossip    RootCode = 0x02
	RootDiscovery RootCode = 0x03
	RootDHT       RootCode = 0x04
)

func (r RootCode) String() string {
	switch r {
	case RootRequest:
		return "REQUEST"
	case RootGossip:
		return "GOSSIP"
	case RootDiscovery:
		return "DISCOVERY"
	case RootDHT:
		return "DHT"
	default:
		return fmt.Sprintf("ROOT(0x%02x)", byte(r))
	}
}

// Header names the handler that routes an Envelope. Headers are strings, not
// a closed enumeration, because DHT RPC names and gossip message kinds are
// plugin-style extensions per spec.md §9's redesign notes.
type Header string

const (
	HeaderPing             Header = "PING"
	HeaderUnping           Header = "UNPING"
	HeaderCmdFileConn      Header = "CMD_FILE_CONN"
	HeaderCmdRecvDir       Header = "CMD_RECV_DIR"
	HeaderCmdMsgConn       Header = "CMD_MSG_CONN"
	HeaderOTMUpdateStream  Header = "OTM_UPDATE_STREAM_LINK"
	HeaderCmdText          Header = "CMD_TEXT"
	HeaderNetworkFind      Header = "NETWORK_FIND"
	HeaderNetworkFindReply Header = "NETWORK_FIND_REPLY"
	HeaderGossipMessage    Header = "MESSAGE"
	HeaderGossipSearchReq  Header = "SEARCH_REQ"
	HeaderGossipSearchRep  Header = "SEARCH_REPLY"
	HeaderFindPeerList     Header = "FIND_PEER_LIST"
	HeaderStorePeers       Header = "STORE_PEERS"
	HeaderSearchPeers      Header = "SEARCH_PEERS"
	HeaderRemovalPing      Header = "REMOVAL_PING"
	HeaderFileMeta         Header = "FILE_META"
)

// MaxFrameSize bounds both TCP frame bodies and UDP datagrams. Oversized TCP
// frames close the connection; oversized/malformed UDP datagrams are
// dropped and logged (spec.md §4.1).
const MaxFrameSize = 4 << 20 // 4 MiB, generous enough for DHT FIND_PEER_LIST replies.

// Envelope is the universal wire message: header + optional correlation id +
// optional sender id + an arbitrary body map.
type Envelope struct {
	Header Header
	MsgID  string // opaque correlation id, empty if unset
	PeerID string // sender's 160-bit peer id, hex-encoded, empty if unset
	Body   map[string]any
}

// NewEnvelope builds an Envelope with a fresh empty body map.
func NewEnvelope(header Header) *Envelope {
	return &Envelope{Header: header, Body: make(map[string]any)}
}

func init() {
	// Register the concrete types that flow through Body so gob can encode
	// them without the caller registering anything.
	gob.Register([]byte{})
	gob.Register([]string{})
	gob.Register([]any{})
	gob.Register(map[string]any{})
	gob.Register(int64(0))
	gob.Register(uint64(0))
}

// Encode serializes the envelope body. Callers that need the TCP or UDP
// on-wire framing should use EncodeTCP/EncodeUDP instead; Encode is exposed
// for round-trip testing and for callers building their own framing.
func Encode(e *Envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes bytes produced by Encode back into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return &e, nil
}

// EncodeTCP frames an envelope with a 4-byte big-endian length prefix.
func EncodeTCP(e *Envelope) ([]byte, error) {
	body, err := Encode(e)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(body), MaxFrameSize)
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// EncodeUDP prefixes an envelope with its one-byte root code. One datagram
// carries exactly one message; there is no length prefix.
func EncodeUDP(root RootCode, e *Envelope) ([]byte, error) {
	body, err := Encode(e)
	if err != nil {
		return nil, err
	}
	if len(body)+1 > MaxFrameSize {
		return nil, fmt.Errorf("wire: datagram of %d bytes exceeds max %d", len(body)+1, MaxFrameSize)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(root)
	copy(out[1:], body)
	return out, nil
}

// DecodeUDP splits a raw datagram into its root code and envelope.
func DecodeUDP(datagram []byte) (RootCode, *Envelope, error) {
	if len(datagram) < 1 {
		return 0, nil, fmt.Errorf("wire: empty datagram")
	}
	root := RootCode(datagram[0])
	e, err := Decode(datagram[1:])
	if err != nil {
		return root, nil, err
	}
	return root, e, nil
}
