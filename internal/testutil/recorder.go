package testutil

import (
	"sync"

	"github.com/roach88/lockstep/internal/lockstep"
)

// Subscriber is what Client and Host expose for events.
type Subscriber interface {
	Subscribe(l lockstep.Listener) (unsubscribe func())
}

// Recorder collects events from one endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []lockstep.Event
}

// Record subscribes a new recorder to s.
func Record(s Subscriber) *Recorder {
	r := &Recorder{}
	s.Subscribe(r.add)
	return r
}

func (r *Recorder) add(ev lockstep.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []lockstep.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]lockstep.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []lockstep.EventKind {
	evs := r.Events()
	out := make([]lockstep.EventKind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k lockstep.EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == k {
			n++
		}
	}
	return n
}

// Errors returns the errors carried by EventError events.
func (r *Recorder) Errors() []error {
	var out []error
	for _, ev := range r.Events() {
		if ev.Kind == lockstep.EventError {
			out = append(out, ev.Err)
		}
	}
	return out
}

// Ticks returns the tick ids of EventTick events.
func (r *Recorder) Ticks() []int64 {
	var out []int64
	for _, ev := range r.Events() {
		if ev.Kind == lockstep.EventTick {
			out = append(out, ev.TickID)
		}
	}
	return out
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
