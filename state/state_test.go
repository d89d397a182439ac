package state

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockingStepRunsBeforeNextIsDequeued(t *testing.T) {
	m := NewManager(context.Background())
	var got []int

	m.Enqueue(Step{Name: "a", IsBlocking: true, Run: func(ctx context.Context) error {
		got = append(got, 1)
		return nil
	}})
	m.Enqueue(Step{Name: "b", IsBlocking: true, Run: func(ctx context.Context) error {
		got = append(got, 2)
		return nil
	}})

	require.NoError(t, m.Run())
	assert.Equal(t, []int{1, 2}, got)
}

func TestBlockingStepErrorStopsRun(t *testing.T) {
	m := NewManager(context.Background())
	boom := errors.New("boom")
	ran := false

	m.Enqueue(Step{Name: "fails", IsBlocking: true, Run: func(ctx context.Context) error {
		return boom
	}})
	m.Enqueue(Step{Name: "never", IsBlocking: true, Run: func(ctx context.Context) error {
		ran = true
		return nil
	}})

	err := m.Run()
	require.Error(t, err)
	assert.False(t, ran)
}

func TestNonBlockingStepRunsInBackground(t *testing.T) {
	m := NewManager(context.Background())
	var done int32

	m.Enqueue(Step{Name: "bg", IsBlocking: false, Run: func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&done, 1)
		return nil
	}})

	require.NoError(t, m.Run())
	assert.Equal(t, int32(0), atomic.LoadInt32(&done), "background step should not block Run")
	require.NoError(t, m.Wait())
	assert.Equal(t, int32(1), atomic.LoadInt32(&done))
}

func TestExitStackUnwindsLIFO(t *testing.T) {
	s := NewExitStack()
	var order []int
	s.Push(func() error { order = append(order, 1); return nil })
	s.Push(func() error { order = append(order, 2); return nil })
	s.Push(func() error { order = append(order, 3); return nil })

	require.NoError(t, s.Close())
	assert.Equal(t, []int{3, 2, 1}, order)
}

func TestExitStackAggregatesAllErrors(t *testing.T) {
	s := NewExitStack()
	err1 := errors.New("first")
	err2 := errors.New("second")
	s.Push(func() error { return err1 })
	s.Push(func() error { return err2 })

	err := s.Close()
	require.Error(t, err)
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Errors, 2)
	assert.Contains(t, agg.Errors, err1)
	assert.Contains(t, agg.Errors, err2)
}

func TestExitStackMarksFinalizing(t *testing.T) {
	s := NewExitStack()
	assert.False(t, s.Finalizing())
	_ = s.Close()
	assert.True(t, s.Finalizing())
}
