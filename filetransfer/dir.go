package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerconnect/conn"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
)

// ErrDirRejected is returned when the remote side declines an entire
// directory transfer at the root-name step.
var ErrDirRejected = errors.New("filetransfer: peer rejected the directory transfer")

// dirMore/dirDone are the continuation bytes between per-file steps of a
// directory transfer (spec.md §4.11: "a terminating sentinel frame signals
// end-of-directory").
const (
	dirMore byte = 0x01
	dirDone byte = 0x00
)

// DirSender drives outbound directory transfers over connections tagged
// with wire.HeaderCmdRecvDir.
type DirSender struct {
	self       peerid.ID
	pool       *conn.Pool
	statusFreq time.Duration
}

// NewDirSender constructs a directory Sender.
func NewDirSender(self peerid.ID, pool *conn.Pool, statusFreq time.Duration) *DirSender {
	return &DirSender{self: self, pool: pool, statusFreq: statusFreq}
}

// SendDir walks root depth-first and streams every regular file to target
// under a single reused connection, in the order spec.md §4.11 describes:
// root name -> confirmation -> per-file protocol repeated -> sentinel.
func (s *DirSender) SendDir(ctx context.Context, target peerid.ID, root string, onStatus func(StatusUpdate), onComplete func(*Transfer)) ([]*Transfer, error) {
	files, err := listFilesDepthFirst(root)
	if err != nil {
		return nil, err
	}

	c, err := s.pool.Connect(ctx, target, wire.HeaderCmdRecvDir, false)
	if err != nil {
		return nil, err
	}

	rootName := filepath.Base(filepath.Clean(root))
	if err := wire.WriteRaw(c.Raw(), []byte(rootName)); err != nil {
		s.pool.Discard(c)
		return nil, err
	}
	c.MarkSent()

	accepted, err := readAck(c.Raw())
	if err != nil {
		s.pool.Discard(c)
		return nil, err
	}
	c.MarkRecv()
	if !accepted {
		s.pool.Release(c)
		return nil, ErrDirRejected
	}

	var results []*Transfer
	for _, rel := range files {
		if _, err := c.Raw().Write([]byte{dirMore}); err != nil {
			s.pool.Discard(c)
			return results, err
		}
		if err := wire.WriteRaw(c.Raw(), []byte(rel)); err != nil {
			s.pool.Discard(c)
			return results, err
		}
		c.MarkSent()

		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			s.pool.Discard(c)
			return results, fmt.Errorf("filetransfer: open %s: %w", rel, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			s.pool.Discard(c)
			return results, err
		}

		t := NewTransfer(uuid.NewString(), target, DirectionOutgoing, rel, uint64(info.Size()), s.statusFreq)
		if onStatus != nil {
			t.OnStatus(onStatus)
		}
		t.setState(StateSending)

		sendErr := sendFileOverConn(t, c, f)
		f.Close()
		t.Complete(sendErr)
		results = append(results, t)
		if onComplete != nil {
			onComplete(t)
		}
		if sendErr != nil {
			s.pool.Discard(c)
			return results, sendErr
		}
	}

	if _, err := c.Raw().Write([]byte{dirDone}); err != nil {
		s.pool.Discard(c)
		return results, err
	}
	c.MarkSent()
	s.pool.Release(c)
	return results, nil
}

// listFilesDepthFirst walks root and returns every regular file's path
// relative to root, in depth-first order.
func listFilesDepthFirst(root string) ([]string, error) {
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("filetransfer: walk %s: %w", root, err)
	}
	return out, nil
}

// DirReceiver handles inbound directory transfers, registered on
// wire.HeaderCmdRecvDir.
type DirReceiver struct {
	self        peerid.ID
	downloadDir string
	statusFreq  time.Duration
	accept      func(from peerid.ID, rootName string) bool
	onFile      func(*Transfer)
}

// NewDirReceiver constructs a directory Receiver. Directories are
// reconstructed under downloadDir/<rootName>, renamed on collision.
func NewDirReceiver(self peerid.ID, downloadDir string, statusFreq time.Duration, accept func(peerid.ID, string) bool, onFile func(*Transfer)) *DirReceiver {
	if accept == nil {
		accept = func(peerid.ID, string) bool { return true }
	}
	return &DirReceiver{self: self, downloadDir: downloadDir, statusFreq: statusFreq, accept: accept, onFile: onFile}
}

// Register installs this receiver as the CMD_RECV_DIR handler.
func (r *DirReceiver) Register(disp *conn.Dispatcher) {
	disp.OnHeader(wire.HeaderCmdRecvDir, r.Handle)
}

// Handle implements conn.Handler for a whole inbound directory transfer.
func (r *DirReceiver) Handle(ctx context.Context, ev conn.ConnectionEvent) error {
	defer ev.Connection.Unlock()
	c := ev.Connection
	from := c.Peer()

	rootNameRaw, err := wire.ReadRaw(c.Raw())
	if err != nil {
		return fmt.Errorf("filetransfer: read directory root name: %w", err)
	}
	c.MarkRecv()
	rootName := uniqueDestName(r.downloadDir, filepath.Base(string(rootNameRaw)))

	accepted := r.accept(from, rootName)
	if err := writeAck(c.Raw(), accepted); err != nil {
		return err
	}
	c.MarkSent()
	if !accepted {
		logrus.WithFields(logrus.Fields{
			"function": "DirReceiver.Handle",
			"peer_id":  from.String(),
			"root":     rootName,
		}).Info("declined inbound directory offer")
		return nil
	}

	destRoot := filepath.Join(r.downloadDir, rootName)
	for {
		var tag [1]byte
		if _, err := io.ReadFull(c.Raw(), tag[:]); err != nil {
			return fmt.Errorf("filetransfer: read directory continuation: %w", err)
		}
		c.MarkRecv()
		if tag[0] == dirDone {
			return nil
		}

		relRaw, err := wire.ReadRaw(c.Raw())
		if err != nil {
			return fmt.Errorf("filetransfer: read directory entry name: %w", err)
		}
		c.MarkRecv()
		rel := sanitizeRelPath(string(relRaw))

		resolve := func(name string) (string, error) {
			dest := filepath.Join(destRoot, rel)
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return "", fmt.Errorf("filetransfer: create %s: %w", filepath.Dir(dest), err)
			}
			return dest, nil
		}

		t, err := recvFileOverConn(c, resolve, r.statusFreq, AcceptAll)
		if t != nil && r.onFile != nil {
			r.onFile(t)
		}
		if err != nil {
			return err
		}
	}
}

// sanitizeRelPath strips any leading-slash/"../" components from a
// sender-declared relative path before it is joined under destRoot,
// matching the single-file receiver's filepath.Base discipline.
func sanitizeRelPath(rel string) string {
	cleaned := filepath.Clean(string(filepath.Separator) + rel)
	return cleaned[1:]
}

// uniqueDestName returns name, or name-1/name-2/... if dir/name already
// exists, implementing spec.md §4.11's "renamed-if-collision" rule.
func uniqueDestName(dir, name string) string {
	candidate := name
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", name, i)
	}
}
