package filetransfer

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerconnect/conn"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// AcceptPolicy decides whether an inbound file offer should proceed, per
// spec.md §4.11's per-file ack step.
type AcceptPolicy func(from peerid.ID, name string, size uint64) bool

// AcceptAll is the default AcceptPolicy: take every offer.
func AcceptAll(peerid.ID, string, uint64) bool { return true }

// Receiver handles inbound single-file transfers, registered on
// wire.HeaderCmdFileConn.
type Receiver struct {
	self        peerid.ID
	downloadDir string
	statusFreq  time.Duration
	accept      AcceptPolicy
	onComplete  func(*Transfer)
}

// NewReceiver constructs a file Receiver. Files land under downloadDir
// (spec.md §4.11's PATH_DOWNLOAD).
func NewReceiver(self peerid.ID, downloadDir string, statusFreq time.Duration, accept AcceptPolicy, onComplete func(*Transfer)) *Receiver {
	if accept == nil {
		accept = AcceptAll
	}
	return &Receiver{self: self, downloadDir: downloadDir, statusFreq: statusFreq, accept: accept, onComplete: onComplete}
}

// Register installs this receiver as the CMD_FILE_CONN handler.
func (r *Receiver) Register(disp *conn.Dispatcher) {
	disp.OnHeader(wire.HeaderCmdFileConn, r.Handle)
}

// Handle implements conn.Handler for a single inbound file transfer.
func (r *Receiver) Handle(ctx context.Context, ev conn.ConnectionEvent) error {
	defer ev.Connection.Unlock()

	resolve := func(name string) (string, error) {
		return resolveUnderDir(r.downloadDir, name)
	}
	t, err := recvFileOverConn(ev.Connection, resolve, r.statusFreq, r.accept)
	if t != nil && r.onComplete != nil {
		r.onComplete(t)
	}
	return err
}

// recvFileOverConn runs the metadata/ack/resume/body handshake from the
// receiving side over an already-locked connection, used both by a
// standalone CMD_FILE_CONN handler and by DirReceiver's per-file step.
// resolveDest maps the sender's declared name to an on-disk path, creating
// any parent directories it needs.
func recvFileOverConn(c *conn.Connection, resolveDest func(name string) (string, error), statusFreq time.Duration, accept AcceptPolicy) (*Transfer, error) {
	raw := c.Raw()
	from := c.Peer()

	meta, err := readFileMeta(raw)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: read metadata: %w", err)
	}
	c.MarkRecv()

	accepted := accept(from, meta.Name, meta.Size)
	if err := writeAck(raw, accepted); err != nil {
		return nil, err
	}
	c.MarkSent()
	if !accepted {
		logrus.WithFields(logrus.Fields{
			"function": "recvFileOverConn",
			"peer_id":  from.String(),
			"name":     meta.Name,
		}).Info("declined inbound file offer")
		return nil, nil
	}

	dest, err := resolveDest(meta.Name)
	if err != nil {
		return nil, err
	}
	offset, err := existingSize(dest)
	if err != nil {
		return nil, err
	}

	var offsetBuf [8]byte
	binary.BigEndian.PutUint64(offsetBuf[:], offset)
	if _, err := raw.Write(offsetBuf[:]); err != nil {
		return nil, fmt.Errorf("filetransfer: write resume offset: %w", err)
	}
	c.MarkSent()

	if offset > meta.Size {
		offset = 0
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: open %s: %w", dest, err)
	}
	defer f.Close()
	if _, err := f.Seek(int64(offset), 0); err != nil {
		return nil, fmt.Errorf("filetransfer: seek %s to %d: %w", dest, offset, err)
	}

	t := NewTransfer(uuid.NewString(), from, DirectionIncoming, meta.Name, meta.Size, statusFreq)
	t.setState(StateReceiving)
	t.SetSeeked(offset)

	seeked := offset
	recvErr := recvBody(raw, f, meta.Size-offset, func(n int) error {
		seeked += uint64(n)
		t.SetSeeked(seeked)
		c.MarkRecv()
		return nil
	})
	t.Complete(recvErr)
	return t, recvErr
}

// resolveUnderDir is the single-file resolveDest: every name lands directly
// under dir, basenamed to avoid a malicious sender escaping it with "../".
func resolveUnderDir(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("filetransfer: create download dir: %w", err)
	}
	return filepath.Join(dir, filepath.Base(name)), nil
}

// existingSize returns how many bytes of dest already exist on disk (0 if
// it doesn't exist yet), implementing spec.md §4.11's resume negotiation
// from the receiving side.
func existingSize(dest string) (uint64, error) {
	info, err := os.Stat(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("filetransfer: stat %s: %w", dest, err)
	}
	return uint64(info.Size()), nil
}
