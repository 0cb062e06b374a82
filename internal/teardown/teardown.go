// Package teardown tracks cleanup work for resources a session created.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
)

var ErrDone = errors.New("teardown already done")

type step struct {
	name string
	fn   func(context.Context) error
}

// Stack is a LIFO queue of cleanup functions: the first one added is the last
// one run.
type Stack struct {
	mu    sync.Mutex
	steps []step
	done  chan struct{}
}

func NewStack() *Stack {
	return &Stack{done: make(chan struct{})}
}

// Add pushes fn onto the stack under name, which prefixes any error fn
// returns.
func (s *Stack) Add(name string, fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrDone
	default:
	}

	s.steps = append(s.steps, step{name: name, fn: fn})
	return nil
}

// Len reports how many steps are queued.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Teardown runs every step in reverse order. A failing step does not stop
// the ones below it; all failures are combined in the returned error.
func (s *Stack) Teardown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return ErrDone
	default:
		close(s.done)
	}
	steps := s.steps
	s.steps = nil
	s.mu.Unlock()

	var errs error
	for i := len(steps) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		if err := steps[i].fn(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", steps[i].name, err))
		}
	}
	return errs
}
