package rollback

import (
	"context"
	"errors"
	"sync"

	"github.com/loopholelabs/logging/types"
)

var (
	ErrCompensationFailed = errors.New("compensating action failed")
)

type entry struct {
	description string
	compensate  func(ctx context.Context) error
}

// Stack is a LIFO of compensating actions for transient state that must not
// outlive the invocation: temporary mount points, cached key material,
// host-level settings flipped during a build. Each action is pushed right
// after its side effect succeeds, so running the stack top-to-bottom undoes
// everything in exact reverse order of acquisition no matter which branches
// of the build actually ran.
type Stack struct {
	log types.Logger

	lock    sync.Mutex
	entries []entry
}

func NewStack(log types.Logger) *Stack {
	return &Stack{log: log}
}

func (s *Stack) Push(description string, compensate func(ctx context.Context) error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.entries = append(s.entries, entry{description: description, compensate: compensate})
}

// Len reports how many compensations are currently pending.
func (s *Stack) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.entries)
}

// Run executes all pending compensations newest-first and clears the stack,
// so each compensation runs exactly once even if Run is called again on a
// later exit path. Failures are collected and joined, never short-circuit:
// every remaining compensation still gets its chance to run.
func (s *Stack) Run(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	var errs error
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.log != nil {
			s.log.Debug().Str("description", s.entries[i].description).Msg("running compensation")
		}

		if err := s.entries[i].compensate(ctx); err != nil {
			if s.log != nil {
				s.log.Warn().Err(err).Str("description", s.entries[i].description).Msg("compensation failed")
			}

			errs = errors.Join(errs, ErrCompensationFailed, err)
		}
	}

	s.entries = nil

	return errs
}
