package filetransfer

import (
	"testing"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/stretchr/testify/require"
)

func TestTransferPauseResumeRequiresActiveState(t *testing.T) {
	tr := NewTransfer("t1", peerid.FromSeed(1), DirectionOutgoing, "a.txt", 100, time.Hour)
	require.Error(t, tr.Pause())

	tr.setState(StateSending)
	require.NoError(t, tr.Pause())
	require.Equal(t, StatePaused, tr.State())

	require.NoError(t, tr.Resume())
	require.Equal(t, StateConnecting, tr.State())

	require.Error(t, tr.Resume())
}

func TestTransferSetSeekedIgnoresRegression(t *testing.T) {
	tr := NewTransfer("t2", peerid.FromSeed(1), DirectionOutgoing, "a.txt", 100, time.Hour)
	tr.SetSeeked(50)
	require.EqualValues(t, 50, tr.Seeked())

	tr.SetSeeked(10)
	require.EqualValues(t, 50, tr.Seeked())
}

func TestTransferStatusThrottled(t *testing.T) {
	tr := NewTransfer("t3", peerid.FromSeed(1), DirectionOutgoing, "a.txt", 100, 50*time.Millisecond)

	var updates []StatusUpdate
	tr.OnStatus(func(u StatusUpdate) { updates = append(updates, u) })

	tr.SetSeeked(10)
	tr.SetSeeked(20)
	tr.SetSeeked(30)
	require.Len(t, updates, 1, "updates within the throttle window should be suppressed")

	time.Sleep(60 * time.Millisecond)
	tr.SetSeeked(40)
	require.Len(t, updates, 2)
	require.EqualValues(t, 40, updates[1].Seeked)
}

func TestTransferCancelMarksAborting(t *testing.T) {
	tr := NewTransfer("t4", peerid.FromSeed(1), DirectionOutgoing, "a.txt", 100, time.Hour)
	tr.setState(StateSending)
	require.False(t, tr.Aborting())

	tr.Cancel()
	require.True(t, tr.Aborting())

	tr.Complete(ErrCancelled)
	require.Equal(t, StateFailed, tr.State())
	require.ErrorIs(t, tr.Err(), ErrCancelled)
}
