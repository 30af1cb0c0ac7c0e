// Package machine provides reducer-backed simulation machines for the
// lockstep synchronizer.
package machine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/value"
)

// Reducer computes the next state from the current state and one action.
// It must be deterministic and must not mutate state in place.
type Reducer func(state value.Value, action lockstep.QueueItem) (value.Value, error)

// ErrNilState is returned by LoadState for a nil state.
var ErrNilState = errors.New("machine: nil state")

// ReducerMachine wraps a Reducer as a lockstep.Machine. A failed action leaves the
// state unchanged.
//
// The synchronizer only calls it from its scheduler; the mutex lets tests and
// the CLI read State from other goroutines.
type ReducerMachine struct {
	mu      sync.RWMutex
	state   value.Value
	reducer Reducer
}

var _ lockstep.Machine = (*ReducerMachine)(nil)

// New creates a machine with the given initial state.
func New(initial value.Value, r Reducer) *ReducerMachine {
	if initial == nil {
		initial = value.Null{}
	}
	return &ReducerMachine{state: initial, reducer: r}
}

// State returns the current state.
func (m *ReducerMachine) State() value.Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LoadState replaces the state, e.g. with a host snapshot on join.
func (m *ReducerMachine) LoadState(state value.Value) error {
	if state == nil {
		return ErrNilState
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	return nil
}

// Run applies one action and returns the resulting state.
func (m *ReducerMachine) Run(action lockstep.QueueItem) (value.Value, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.reducer(m.state, action)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action.Type, err)
	}
	m.state = next
	return next, nil
}
