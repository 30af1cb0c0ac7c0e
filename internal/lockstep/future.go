package lockstep

import (
	"context"

	"github.com/roach88/lockstep/internal/value"
)

// Future is the pending result of a sent action. It settles exactly once,
// when the action is applied to the local machine: resolved with the machine
// state after the action, or rejected with the machine's error.
//
// A future whose action never reaches the machine (the synchronizer stopped
// first) stays pending. Use Wait with a context to bound the wait.
type Future struct {
	id      int64
	done    chan struct{}
	settled bool
	state   value.Value
	err     error
}

func newFuture(id int64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// PromiseID returns the id correlating this future with its queued action.
func (f *Future) PromiseID() int64 { return f.id }

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (value.Value, error) {
	select {
	case <-f.done:
		return f.state, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future) Result() (state value.Value, err error, ok bool) {
	select {
	case <-f.done:
		return f.state, f.err, true
	default:
		return nil, nil, false
	}
}

// settle is only called from the scheduler; a second call is ignored.
func (f *Future) settle(state value.Value, err error) bool {
	if f.settled {
		return false
	}
	f.settled = true
	f.state, f.err = state, err
	close(f.done)
	return true
}
