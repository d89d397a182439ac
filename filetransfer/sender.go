package filetransfer

import (
	"context"
	"encoding/binary"
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

// ErrRejected is returned by SendFile when the remote side declines the
// transfer at the metadata step.
var ErrRejected = errors.New("filetransfer: peer rejected the transfer")

// Sender drives outbound single-file transfers over conn.Pool-acquired
// connections tagged with wire.HeaderCmdFileConn.
type Sender struct {
	self       peerid.ID
	pool       *conn.Pool
	statusFreq time.Duration
}

// NewSender constructs a file Sender. statusFreq bounds how often a
// Transfer's StatusUpdate callback fires (spec.md §4.11's StatusMixIn).
func NewSender(self peerid.ID, pool *conn.Pool, statusFreq time.Duration) *Sender {
	return &Sender{self: self, pool: pool, statusFreq: statusFreq}
}

// SendFile transfers the file at path to target, replaying the
// metadata/ack/resume/body handshake and returning the Transfer used to
// track it (already in a terminal state by the time SendFile returns). The
// same Transfer is passed to onComplete, if non-nil, once terminal.
func (s *Sender) SendFile(ctx context.Context, target peerid.ID, path string, onStatus func(StatusUpdate), onComplete func(*Transfer)) (*Transfer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("filetransfer: stat %s: %w", path, err)
	}

	t := NewTransfer(uuid.NewString(), target, DirectionOutgoing, filepath.Base(path), uint64(info.Size()), s.statusFreq)
	if onStatus != nil {
		t.OnStatus(onStatus)
	}

	c, err := s.pool.Connect(ctx, target, wire.HeaderCmdFileConn, false)
	if err != nil {
		t.Complete(err)
		return t, err
	}

	t.setState(StateSending)
	if runErr := sendFileOverConn(t, c, f); runErr != nil {
		s.pool.Discard(c)
		t.Complete(runErr)
	} else {
		s.pool.Release(c)
		t.Complete(nil)
	}

	if onComplete != nil {
		onComplete(t)
	}
	return t, t.Err()
}

// sendFileOverConn runs the metadata/ack/resume/body handshake for t over an
// already-acquired connection, positioned by the caller. It is shared by
// single-file sends and by DirSender's per-file step within a directory
// transfer.
func sendFileOverConn(t *Transfer, c *conn.Connection, f *os.File) error {
	raw := c.Raw()

	if err := writeFileMeta(raw, fileMeta{Name: t.Name, Size: t.Size, Seeked: 0}); err != nil {
		return err
	}
	c.MarkSent()

	accepted, err := readAck(raw)
	if err != nil {
		return err
	}
	c.MarkRecv()
	if !accepted {
		logrus.WithFields(logrus.Fields{
			"function": "sendFileOverConn",
			"peer_id":  t.Peer.String(),
			"name":     t.Name,
		}).Info("peer rejected file transfer")
		return ErrRejected
	}

	var offsetBuf [8]byte
	if _, err := io.ReadFull(raw, offsetBuf[:]); err != nil {
		return err
	}
	offset := binary.BigEndian.Uint64(offsetBuf[:])
	if offset > t.Size {
		offset = 0
	}
	if _, err := f.Seek(int64(offset), 0); err != nil {
		return fmt.Errorf("filetransfer: seek to resume offset %d: %w", offset, err)
	}
	t.SetSeeked(offset)

	seeked := offset
	err = sendBody(raw, f, t.Size-offset, func(n int) error {
		seeked += uint64(n)
		t.SetSeeked(seeked)
		c.MarkSent()
		if t.Aborting() {
			return ErrCancelled
		}
		return nil
	})
	return err
}
