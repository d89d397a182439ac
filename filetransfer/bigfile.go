package filetransfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerconnect/conn"
	"github.com/opd-ai/peerconnect/peerid"
	"github.com/opd-ai/peerconnect/wire"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BigChunkSize is the fixed chunk size a big file is split into before
// being fanned out across parallel streams (spec.md §4.12).
const BigChunkSize = 30 * 1024 * 1024

// chunkPlan is one (chunk_id, start, end) triple in a big file's
// pre-computed split.
type chunkPlan struct {
	ID    int
	Start int64
	End   int64
}

// planChunks splits a file of the given size into BigChunkSize pieces.
func planChunks(size int64) []chunkPlan {
	var plan []chunkPlan
	id := 0
	for start := int64(0); start < size; start += BigChunkSize {
		end := start + BigChunkSize
		if end > size {
			end = size
		}
		plan = append(plan, chunkPlan{ID: id, Start: start, End: end})
		id++
	}
	return plan
}

// chunkIterator is the shared work queue BigSender's parallel streams pull
// from; a chunk that fails mid-transfer is requeued for another stream to
// retry (spec.md §4.12: "failed chunks ... are requeued onto the shared
// iterator for retry on any available stream").
type chunkIterator struct {
	mu      sync.Mutex
	pending []chunkPlan
}

func newChunkIterator(plan []chunkPlan) *chunkIterator {
	return &chunkIterator{pending: append([]chunkPlan(nil), plan...)}
}

func (it *chunkIterator) next() (chunkPlan, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.pending) == 0 {
		return chunkPlan{}, false
	}
	c := it.pending[0]
	it.pending = it.pending[1:]
	return c, true
}

func (it *chunkIterator) requeue(c chunkPlan) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.pending = append(it.pending, c)
}

// BigSender drives a single large file across n parallel streams, each
// opened with wire.HeaderOTMUpdateStream, per spec.md §4.12.
type BigSender struct {
	self       peerid.ID
	pool       *conn.Pool
	streams    int
	statusFreq time.Duration
}

// NewBigSender constructs a BigSender that fans a transfer out over streams
// parallel connections.
func NewBigSender(self peerid.ID, pool *conn.Pool, streams int, statusFreq time.Duration) *BigSender {
	if streams < 1 {
		streams = 1
	}
	return &BigSender{self: self, pool: pool, streams: streams, statusFreq: statusFreq}
}

// SendBigFile transfers path to target across s.streams parallel
// connections, returning one Transfer per chunk actually sent (a retried
// chunk produces one Transfer per attempt; only the last reflects the
// chunk's outcome). A stream whose chunk fails puts the chunk back on the
// shared iterator and stops; streams still running pick it up. If chunks
// are left once every stream has stopped, SendBigFile returns an error.
func (s *BigSender) SendBigFile(ctx context.Context, target peerid.ID, path string) ([]*Transfer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("filetransfer: stat %s: %w", path, err)
	}

	plan := planChunks(info.Size())
	it := newChunkIterator(plan)
	name := filepath.Base(path)

	var mu sync.Mutex
	var transfers []*Transfer
	var lastErr error

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.streams; i++ {
		g.Go(func() error {
			for {
				chunk, ok := it.next()
				if !ok {
					return nil
				}
				t, sendErr := s.sendChunk(gctx, target, path, name, chunk)
				mu.Lock()
				transfers = append(transfers, t)
				if sendErr != nil {
					lastErr = sendErr
				}
				mu.Unlock()
				if sendErr != nil {
					it.requeue(chunk)
					return nil
				}
			}
		})
	}

	_ = g.Wait()
	it.mu.Lock()
	left := len(it.pending)
	it.mu.Unlock()
	if left > 0 {
		return transfers, fmt.Errorf("filetransfer: %d chunk(s) of %s left unsent: %w", left, name, lastErr)
	}
	return transfers, nil
}

// sendChunk opens one stream, negotiates it, and runs the per-file
// sub-protocol scoped to [chunk.Start, chunk.End).
func (s *BigSender) sendChunk(ctx context.Context, target peerid.ID, path, name string, chunk chunkPlan) (*Transfer, error) {
	c, err := s.pool.Connect(ctx, target, wire.HeaderOTMUpdateStream, false)
	if err != nil {
		return nil, err
	}

	if _, err := c.Raw().Write([]byte{ackAccept}); err != nil {
		s.pool.Discard(c)
		return nil, err
	}
	c.MarkSent()

	size := uint64(chunk.End - chunk.Start)
	t := NewTransfer(uuid.NewString(), target, DirectionOutgoing, chunkName(name, chunk.ID), size, s.statusFreq)
	t.setState(StateSending)

	if err := writeFileMeta(c.Raw(), fileMeta{Name: t.Name, Size: size, Seeked: 0}); err != nil {
		s.pool.Discard(c)
		t.Complete(err)
		return t, err
	}
	c.MarkSent()

	accepted, err := readAck(c.Raw())
	if err != nil {
		s.pool.Discard(c)
		t.Complete(err)
		return t, err
	}
	c.MarkRecv()
	if !accepted {
		s.pool.Release(c)
		t.Complete(ErrRejected)
		return t, ErrRejected
	}

	f, err := os.Open(path)
	if err != nil {
		s.pool.Discard(c)
		t.Complete(err)
		return t, err
	}
	defer f.Close()
	if _, err := f.Seek(chunk.Start, 0); err != nil {
		s.pool.Discard(c)
		t.Complete(err)
		return t, err
	}

	seeked := uint64(0)
	sendErr := sendBody(c.Raw(), io.LimitReader(f, chunk.End-chunk.Start), size, func(n int) error {
		seeked += uint64(n)
		t.SetSeeked(seeked)
		c.MarkSent()
		return nil
	})
	t.Complete(sendErr)
	if sendErr != nil {
		s.pool.Discard(c)
	} else {
		s.pool.Release(c)
	}
	return t, sendErr
}

func chunkName(name string, id int) string {
	ext := filepath.Ext(name)
	base := name[:len(name)-len(ext)]
	return fmt.Sprintf("%s.%d%s", base, id, ext)
}

// BigReceiver handles inbound big-file streams, registered on
// wire.HeaderOTMUpdateStream. Chunks for the same logical file are tracked
// by base name alone. Nothing is merged automatically: the parts stay on
// disk until the caller invokes MergeAndFinish with the expected count.
type BigReceiver struct {
	self        peerid.ID
	downloadDir string
	statusFreq  time.Duration
	onChunk     func(*Transfer)

	mu      sync.Mutex
	pending map[string]*bigFileState
}

type bigFileState struct {
	baseName string
	parts    map[int]string // chunk id -> part file path
}

// NewBigReceiver constructs a BigReceiver.
func NewBigReceiver(self peerid.ID, downloadDir string, statusFreq time.Duration, onChunk func(*Transfer)) *BigReceiver {
	return &BigReceiver{
		self:        self,
		downloadDir: downloadDir,
		statusFreq:  statusFreq,
		onChunk:     onChunk,
		pending:     make(map[string]*bigFileState),
	}
}

// Register installs this receiver as the OTM_UPDATE_STREAM_LINK handler.
func (r *BigReceiver) Register(disp *conn.Dispatcher) {
	disp.OnHeader(wire.HeaderOTMUpdateStream, r.Handle)
}

// Handle implements conn.Handler for a single big-file chunk stream.
func (r *BigReceiver) Handle(ctx context.Context, ev conn.ConnectionEvent) error {
	defer ev.Connection.Unlock()
	c := ev.Connection

	var ack [1]byte
	if _, err := io.ReadFull(c.Raw(), ack[:]); err != nil {
		return fmt.Errorf("filetransfer: read stream handshake: %w", err)
	}
	if ack[0] != ackAccept {
		return fmt.Errorf("filetransfer: unexpected stream handshake byte 0x%02x", ack[0])
	}
	c.MarkRecv()

	resolve := func(name string) (string, error) {
		if err := os.MkdirAll(r.downloadDir, 0o755); err != nil {
			return "", err
		}
		return filepath.Join(r.downloadDir, filepath.Base(name)), nil
	}

	t, recvErr := recvFileOverConn(c, resolve, r.statusFreq, AcceptAll)
	if t == nil {
		return recvErr
	}
	if r.onChunk != nil {
		r.onChunk(t)
	}
	if recvErr != nil {
		r.discardPart(t.Name)
		return recvErr
	}

	base, chunkID, err := parseChunkName(t.Name)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "BigReceiver.Handle",
			"name":     t.Name,
		}).Warn("received chunk with unparseable name, leaving as a loose part")
		return nil
	}
	r.recordPart(base, chunkID, filepath.Join(r.downloadDir, t.Name))
	return nil
}

func (r *BigReceiver) discardPart(name string) {
	os.Remove(filepath.Join(r.downloadDir, name))
}

// recordPart tracks a completed chunk's part path under base; it does not
// merge or delete parts. Since a receiver never learns
// the total chunk count up front, completion is inferred by the caller
// (typically the application layer, once all expected stream handlers have
// returned) calling MergeAndFinish explicitly; recordPart only bookkeeps.
func (r *BigReceiver) recordPart(base string, chunkID int, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.pending[base]
	if !ok {
		st = &bigFileState{baseName: base, parts: make(map[int]string)}
		r.pending[base] = st
	}
	st.parts[chunkID] = path
}

// MergeAndFinish concatenates every recorded part for baseName (named
// "<base>.<chunk_id><ext>") into destName, in chunk_id order, and deletes
// the parts afterward (spec.md §4.12: "merges parts in chunk_id order ...
// and deletes parts"). expectedChunks is the count the caller knows from
// the original file's chunk plan.
func (r *BigReceiver) MergeAndFinish(base, destName string, expectedChunks int) error {
	r.mu.Lock()
	st, ok := r.pending[base]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("filetransfer: no parts recorded for %s", base)
	}
	if len(st.parts) != expectedChunks {
		return fmt.Errorf("filetransfer: expected %d chunks for %s, have %d", expectedChunks, base, len(st.parts))
	}

	ids := make([]int, 0, len(st.parts))
	for id := range st.parts {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	dest := filepath.Join(r.downloadDir, destName)
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("filetransfer: create %s: %w", dest, err)
	}
	defer out.Close()

	for _, id := range ids {
		if err := appendPart(out, st.parts[id]); err != nil {
			return err
		}
	}
	for _, id := range ids {
		os.Remove(st.parts[id])
	}

	r.mu.Lock()
	delete(r.pending, base)
	r.mu.Unlock()
	return nil
}

// appendPart copies part onto the end of dst. The teacher's original
// splits this by platform (mmap on Windows, sendfile elsewhere); plain
// io.Copy is the portable equivalent used here.
func appendPart(dst *os.File, part string) error {
	in, err := os.Open(part)
	if err != nil {
		return fmt.Errorf("filetransfer: open part %s: %w", part, err)
	}
	defer in.Close()
	if _, err := io.Copy(dst, in); err != nil {
		return fmt.Errorf("filetransfer: append part %s: %w", part, err)
	}
	return nil
}

// parseChunkName splits "<base>.<id><ext>" back into base+id.
func parseChunkName(name string) (string, int, error) {
	ext := filepath.Ext(name)
	trimmed := name[:len(name)-len(ext)]
	idExt := filepath.Ext(trimmed)
	if idExt == "" {
		return "", 0, fmt.Errorf("filetransfer: %q is not a chunk name", name)
	}
	idStr := idExt[1:]
	base := trimmed[:len(trimmed)-len(idExt)] + ext
	var id int
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		return "", 0, fmt.Errorf("filetransfer: %q has non-numeric chunk id: %w", name, err)
	}
	return base, id, nil
}
