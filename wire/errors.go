package wire

import "errors"

// ErrInvalidPacket marks a decode/framing failure, the InvalidPacket kind
// from spec.md §7. Callers drop the datagram or close the connection and log
// at INFO; they must not propagate this further up as a fatal error.
var ErrInvalidPacket = errors.New("wire: invalid packet")
