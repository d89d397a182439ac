package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{
			name: "full envelope",
			env: &Envelope{
				Header: HeaderCmdText,
				MsgID:  "abc-123",
				PeerID: "deadbeef",
				Body:   map[string]any{"message": "hi", "ttl": int64(4)},
			},
		},
		{
			name: "no msg id or peer id",
			env:  &Envelope{Header: HeaderPing, Body: map[string]any{}},
		},
		{
			name: "nil body",
			env:  &Envelope{Header: HeaderUnping},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.env)
			require.NoError(t, err)
			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.env.Header, got.Header)
			assert.Equal(t, tt.env.MsgID, got.MsgID)
			assert.Equal(t, tt.env.PeerID, got.PeerID)
			for k, v := range tt.env.Body {
				assert.Equal(t, v, got.Body[k])
			}
		})
	}
}

func TestUDPFraming(t *testing.T) {
	env := NewEnvelope(HeaderGossipMessage)
	env.Body["message"] = "hello"

	datagram, err := EncodeUDP(RootGossip, env)
	require.NoError(t, err)
	assert.Equal(t, byte(RootGossip), datagram[0])

	root, got, err := DecodeUDP(datagram)
	require.NoError(t, err)
	assert.Equal(t, RootGossip, root)
	assert.Equal(t, "hello", got.Body["message"])
}

func TestDecodeUDPEmptyDatagramDrops(t *testing.T) {
	_, _, err := DecodeUDP(nil)
	assert.Error(t, err)
}

func TestDecodeUDPUnknownRootCodeStillParses(t *testing.T) {
	// Unknown root codes are a dispatch-layer concern (requests.Dispatcher
	// drops them); the codec itself must not special-case the byte value.
	env := NewEnvelope(HeaderPing)
	body, err := Encode(env)
	require.NoError(t, err)
	datagram := append([]byte{0xFF}, body...)

	root, got, err := DecodeUDP(datagram)
	require.NoError(t, err)
	assert.Equal(t, RootCode(0xFF), root)
	assert.Equal(t, HeaderPing, got.Header)
}

func TestTCPFrameRoundTrip(t *testing.T) {
	env := NewEnvelope(HeaderCmdFileConn)
	env.Body["transfer_id"] = "t1"

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, env))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, env.Header, got.Header)
	assert.Equal(t, "t1", got.Body["transfer_id"])
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0x7F, 0xFF, 0xFF, 0xFF} // ~2GB, far past MaxFrameSize
	buf.Write(lenBuf)
	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

func TestRawRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("chunk-of-file-bytes")
	require.NoError(t, WriteRaw(&buf, payload))

	got, err := ReadRaw(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}
