package state

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// AggregateError collects every error raised while unwinding an ExitStack.
// Per spec.md §4.14/§9, shutdown-time exceptions are never swallowed and
// never truncated to "the first one" — all of them surface.
type AggregateError struct {
	Errors []error
}

func (a *AggregateError) Error() string {
	parts := make([]string, len(a.Errors))
	for i, err := range a.Errors {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("state: %d cleanup error(s): %s", len(a.Errors), strings.Join(parts, "; "))
}

// Unwrap exposes every wrapped error to errors.Is/errors.As.
func (a *AggregateError) Unwrap() []error {
	return a.Errors
}

// ExitStack registers cleanup callbacks and runs them LIFO on Close,
// grounded on the original source's async exit-stack mixin
// (src/avails/mixins.py, see SPEC_FULL.md §5).
type ExitStack struct {
	mu          sync.Mutex
	callbacks   []func() error
	finalizing  bool
}

// NewExitStack constructs an empty stack.
func NewExitStack() *ExitStack {
	return &ExitStack{}
}

// Push registers a cleanup callback. Callbacks run in reverse registration
// order on Close.
func (s *ExitStack) Push(cleanup func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cleanup)
}

// Finalizing reports whether Close has begun, letting long-lived components
// stop accepting new work cooperatively.
func (s *ExitStack) Finalizing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizing
}

// Close unwinds every registered callback LIFO, collecting every error into
// one AggregateError. It returns nil if every callback succeeded.
func (s *ExitStack) Close() error {
	s.mu.Lock()
	s.finalizing = true
	callbacks := s.callbacks
	s.callbacks = nil
	s.mu.Unlock()

	var agg AggregateError
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := callbacks[i](); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "ExitStack.Close",
				"index":    i,
			}).WithError(err).Warn("cleanup callback failed")
			agg.Errors = append(agg.Errors, err)
		}
	}
	if len(agg.Errors) == 0 {
		return nil
	}
	return &agg
}
