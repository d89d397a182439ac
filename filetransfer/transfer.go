// Package filetransfer implements spec.md §4.11-§4.12: per-file and
// per-directory transfers over an acquired conn.Connection, plus the
// big-file protocol that fans a single large file out across several
// parallel streams.
package filetransfer

import (
	"errors"
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
)

// Direction distinguishes an outgoing (sending) transfer from an incoming
// (receiving) one, mirroring the teacher's TransferDirection.
type Direction uint8

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
)

// State is a transfer's position in the state machine spec.md §4.11
// describes: PREPARING -> CONNECTING -> SENDING|RECEIVING -> COMPLETED, with
// PAUSED and ABORTING as the two interrupt states.
type State uint8

const (
	StatePreparing State = iota
	StateConnecting
	StateSending
	StateReceiving
	StatePaused
	StateAborting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "PREPARING"
	case StateConnecting:
		return "CONNECTING"
	case StateSending:
		return "SENDING"
	case StateReceiving:
		return "RECEIVING"
	case StatePaused:
		return "PAUSED"
	case StateAborting:
		return "ABORTING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrTransferIncomplete is the teacher-style sentinel for "the connection
// dropped mid-transfer"; per spec.md §4.11 it pauses rather than fails the
// transfer outright.
var ErrTransferIncomplete = errors.New("filetransfer: transfer incomplete, connection lost")

// ErrCancelled is returned from a transfer's run loop once Cancel has been
// called (spec.md §4.11: "injects a cancellation ... absorbed on exit").
var ErrCancelled = errors.New("filetransfer: transfer cancelled")

// StatusUpdate is one throttled progress sample (spec.md §4.11's
// StatusMixIn: "(peer_id, transfer_id, current_file, seeked)").
type StatusUpdate struct {
	PeerID      peerid.ID
	TransferID  string
	CurrentFile string
	Seeked      uint64
	Size        uint64
	State       State
}

// Transfer tracks one file's progress, independent of whether it is a
// standalone transfer or one file within a directory transfer. Seeked is
// monotonically non-decreasing: SetSeeked silently ignores a regression,
// since the wire protocol never un-sends bytes (spec.md §3's invariant).
type Transfer struct {
	ID        string
	Peer      peerid.ID
	Direction Direction
	Name      string
	Size      uint64

	mu     sync.Mutex
	state  State
	seeked uint64
	err    error

	onStatus     func(StatusUpdate)
	statusFreq   time.Duration
	lastEmitted  time.Time
}

// NewTransfer constructs a Transfer in PREPARING state.
func NewTransfer(id string, peer peerid.ID, dir Direction, name string, size uint64, statusFreq time.Duration) *Transfer {
	return &Transfer{
		ID:         id,
		Peer:       peer,
		Direction:  dir,
		Name:       name,
		Size:       size,
		state:      StatePreparing,
		statusFreq: statusFreq,
	}
}

// OnStatus installs the throttled progress callback.
func (t *Transfer) OnStatus(fn func(StatusUpdate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStatus = fn
}

// State returns the transfer's current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// setState transitions the state machine; callers hold no lock.
func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Seeked returns the current byte offset reached.
func (t *Transfer) Seeked() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seeked
}

// SetSeeked advances the transfer's offset and emits a throttled status
// update. A value lower than the current offset is ignored rather than
// applied, since the protocol has no mechanism to rewind.
func (t *Transfer) SetSeeked(seeked uint64) {
	t.mu.Lock()
	if seeked < t.seeked {
		t.mu.Unlock()
		return
	}
	t.seeked = seeked
	now := time.Now()
	emit := t.onStatus != nil && (t.lastEmitted.IsZero() || now.Sub(t.lastEmitted) >= t.statusFreq)
	var update StatusUpdate
	if emit {
		t.lastEmitted = now
		update = StatusUpdate{
			PeerID:      t.Peer,
			TransferID:  t.ID,
			CurrentFile: t.Name,
			Seeked:      t.seeked,
			Size:        t.Size,
			State:       t.state,
		}
	}
	cb := t.onStatus
	t.mu.Unlock()

	if emit {
		cb(update)
	}
}

// Pause transitions a running transfer to PAUSED, preserving Seeked so a
// later Resume can continue the resume-negotiation handshake from there
// (spec.md §4.11).
func (t *Transfer) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateSending && t.state != StateReceiving {
		return errors.New("filetransfer: transfer is not active, cannot pause")
	}
	t.state = StatePaused
	return nil
}

// Resume transitions a PAUSED transfer back to CONNECTING so continue_transfer
// style logic can re-acquire a connection and replay the handshake.
func (t *Transfer) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePaused {
		return errors.New("filetransfer: transfer is not paused, cannot resume")
	}
	t.state = StateConnecting
	return nil
}

// Cancel moves the transfer to ABORTING; the run loop observes this and
// exits with ErrCancelled. Complete(ErrCancelled) then marks the transfer
// FAILED like any other error; Err reports ErrCancelled, which tells a
// cancel apart from other failures.
func (t *Transfer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCompleted || t.state == StateFailed {
		return
	}
	t.state = StateAborting
}

// Aborting reports whether Cancel has been called and not yet observed.
func (t *Transfer) Aborting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateAborting
}

// Complete records how the transfer's run ended: COMPLETED on nil, PAUSED
// on ErrTransferIncomplete (Seeked is kept for a later Resume), FAILED on
// any other error.
func (t *Transfer) Complete(err error) {
	t.mu.Lock()
	t.err = err
	switch {
	case err == nil:
		t.state = StateCompleted
	case errors.Is(err, ErrTransferIncomplete):
		t.state = StatePaused
	default:
		t.state = StateFailed
	}
	t.mu.Unlock()
}

// Err returns the error the transfer finished with, if any.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
