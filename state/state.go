// Package state implements the lifecycle orchestrator from spec.md §4.14: a
// FIFO queue of named steps, each either run to completion before the next
// is dequeued (blocking) or launched onto a supervised background set
// (non-blocking), plus the aggregated exit stack used for shutdown.
package state

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Step is one named unit of startup/shutdown work.
type Step struct {
	Name       string
	Run        func(ctx context.Context) error
	IsBlocking bool
}

// Manager runs a FIFO queue of Steps and owns the process-wide exit stack.
// It is the Go-native replacement for the Python source's "state queue"
// (spec.md §9 redesign notes): is_blocking becomes whether a step runs
// inline or is spawned onto the supervised background group.
type Manager struct {
	mu    sync.Mutex
	steps []Step

	bg  *errgroup.Group
	ctx context.Context

	exit *ExitStack
}

// NewManager constructs a Manager bound to ctx; bg-launched steps are
// cancelled when ctx is cancelled.
func NewManager(ctx context.Context) *Manager {
	g, gctx := errgroup.WithContext(ctx)
	return &Manager{
		bg:   g,
		ctx:  gctx,
		exit: NewExitStack(),
	}
}

// Enqueue appends a step to the FIFO.
func (m *Manager) Enqueue(step Step) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step)
}

// Run drains the FIFO in order. Blocking steps are awaited before the next
// step starts; non-blocking steps are launched onto the supervised
// background group and Run proceeds immediately to the next step.
func (m *Manager) Run() error {
	m.mu.Lock()
	steps := m.steps
	m.steps = nil
	m.mu.Unlock()

	for _, step := range steps {
		step := step
		runID := uuid.NewString()
		log := logrus.WithFields(logrus.Fields{
			"function":    "Manager.Run",
			"step":        step.Name,
			"run_id":      runID,
			"is_blocking": step.IsBlocking,
		})

		if step.IsBlocking {
			log.Info("running blocking step")
			if err := step.Run(m.ctx); err != nil {
				log.WithError(err).Error("blocking step failed")
				return fmt.Errorf("state: step %q: %w", step.Name, err)
			}
			continue
		}

		log.Info("launching non-blocking step")
		m.bg.Go(func() error {
			if err := step.Run(m.ctx); err != nil {
				log.WithError(err).Error("non-blocking step failed")
				return err
			}
			return nil
		})
	}
	return nil
}

// Wait blocks until every non-blocking step launched by Run has returned,
// returning the first error (if any) among them.
func (m *Manager) Wait() error {
	return m.bg.Wait()
}

// ExitStack returns the shared aggregated exit stack (see exitstack.go).
func (m *Manager) ExitStack() *ExitStack {
	return m.exit
}
