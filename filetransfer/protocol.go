package filetransfer

import (
	"fmt"
	"io"

	"github.com/opd-ai/peerconnect/wire"
)

// fileMeta is the handshake frame exchanged before a file's bytes begin
// flowing: name, full size, and (sender-side) the offset it believes the
// receiver already has (spec.md §4.11: "{name, size, seeked}").
type fileMeta struct {
	Name   string
	Size   uint64
	Seeked uint64
}

// writeFileMeta sends the metadata frame as a FILE_META envelope.
func writeFileMeta(w io.Writer, m fileMeta) error {
	env := wire.NewEnvelope(wire.HeaderFileMeta)
	env.Body["name"] = m.Name
	env.Body["size"] = m.Size
	env.Body["seeked"] = m.Seeked
	return wire.WriteFrame(w, env)
}

// readFileMeta reads back a metadata frame written by writeFileMeta.
func readFileMeta(r io.Reader) (fileMeta, error) {
	env, err := wire.ReadFrame(r)
	if err != nil {
		return fileMeta{}, err
	}
	if env.Header != wire.HeaderFileMeta {
		return fileMeta{}, fmt.Errorf("filetransfer: expected FILE_META, got %s", env.Header)
	}
	name, _ := env.Body["name"].(string)
	size, _ := env.Body["size"].(uint64)
	seeked, _ := env.Body["seeked"].(uint64)
	return fileMeta{Name: name, Size: size, Seeked: seeked}, nil
}

// ackAccept/ackReject are the single-byte per-file acknowledgements
// spec.md §4.11 describes at the metadata step: "0x01 accept / 0x00
// reject".
const (
	ackAccept byte = 0x01
	ackReject byte = 0x00
)

func writeAck(w io.Writer, accept bool) error {
	b := ackReject
	if accept {
		b = ackAccept
	}
	_, err := w.Write([]byte{b})
	return err
}

func readAck(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] == ackAccept, nil
}

// chunkSize bounds a single body write/read, matching the teacher's
// fixed-size streaming reads rather than reading a file whole into memory.
const chunkSize = 64 * 1024

// sendBody streams length-seeked bytes of src (already positioned at
// seeked) to w as raw WriteRaw chunks, calling onChunk after each one so the
// caller can advance Transfer.seeked.
func sendBody(w io.Writer, src io.Reader, remaining uint64, onChunk func(n int) error) error {
	buf := make([]byte, chunkSize)
	for remaining > 0 {
		n := uint64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(src, buf[:n])
		if err != nil {
			return fmt.Errorf("filetransfer: read body: %w", err)
		}
		if err := wire.WriteRaw(w, buf[:read]); err != nil {
			return fmt.Errorf("filetransfer: write body chunk: %w", err)
		}
		remaining -= uint64(read)
		if err := onChunk(read); err != nil {
			return err
		}
	}
	return nil
}

// recvBody is sendBody's receive-side counterpart: pulls chunks off r and
// writes them to dst until remaining bytes have arrived.
func recvBody(r io.Reader, dst io.Writer, remaining uint64, onChunk func(n int) error) error {
	for remaining > 0 {
		chunk, err := wire.ReadRaw(r)
		if err != nil {
			return fmt.Errorf("filetransfer: read body chunk: %w", err)
		}
		if uint64(len(chunk)) > remaining {
			return fmt.Errorf("filetransfer: body chunk overruns declared size")
		}
		if _, err := dst.Write(chunk); err != nil {
			return fmt.Errorf("filetransfer: write body: %w", err)
		}
		remaining -= uint64(len(chunk))
		if err := onChunk(len(chunk)); err != nil {
			return err
		}
	}
	return nil
}
