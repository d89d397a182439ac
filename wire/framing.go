package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes one length-prefixed TCP frame to w.
func WriteFrame(w io.Writer, e *Envelope) error {
	frame, err := EncodeTCP(e)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed TCP frame from r. It returns an error
// (never a panic) on a length that exceeds MaxFrameSize, treating the frame
// as malformed per spec.md §4.1 ("oversized TCP frames cause the connection
// to be closed").
func ReadFrame(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return Decode(body)
}

// WriteRaw writes a plain length-prefixed byte blob, used by the file
// transfer protocol's body chunks which are not Envelopes.
func WriteRaw(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write raw length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: write raw body: %w", err)
	}
	return nil
}

// ReadRaw reads a plain length-prefixed byte blob written by WriteRaw.
func ReadRaw(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read raw length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("wire: raw length %d exceeds max %d", n, MaxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: read raw body: %w", err)
	}
	return data, nil
}
