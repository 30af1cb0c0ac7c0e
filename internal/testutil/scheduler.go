package testutil

import (
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/lockstep"
)

// Epoch is the virtual time every ManualScheduler starts at.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// ManualScheduler is a lockstep.Scheduler driven by virtual time. Nothing
// runs until the test calls Drain or Advance, so every interleaving is
// reproducible.
//
// Several endpoints may share one ManualScheduler; their work then runs on
// the test goroutine in one global order.
//
// Thread-safety: Post/After/Every are safe for concurrent use. Drain and
// Advance must be called from one goroutine.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	tasks  []func()
	timers []*manualTimer
	seq    int64
}

var _ lockstep.Scheduler = (*ManualScheduler)(nil)

// NewManualScheduler creates a scheduler at Epoch.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{now: Epoch}
}

type manualTimer struct {
	s       *ManualScheduler
	at      time.Time
	period  time.Duration
	seq     int64
	fn      func()
	stopped bool
}

// Stop removes the timer. Safe to call from inside a callback.
func (t *manualTimer) Stop() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.stopped = true
}

// Now returns the virtual time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Post queues fn to run on the next Drain.
func (s *ManualScheduler) Post(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, fn)
}

// After schedules fn at Now()+d.
func (s *ManualScheduler) After(d time.Duration, fn func()) lockstep.Timer {
	return s.add(d, 0, fn)
}

// Every schedules fn at every multiple of d from Now().
func (s *ManualScheduler) Every(d time.Duration, fn func()) lockstep.Timer {
	return s.add(d, d, fn)
}

func (s *ManualScheduler) add(d, period time.Duration, fn func()) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &manualTimer{s: s, at: s.now.Add(d), period: period, seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Drain runs posted work, including work posted while draining, until the
// queue is empty. It returns the number of tasks run.
func (s *ManualScheduler) Drain() int {
	n := 0
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return n
		}
		fn := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		fn()
		n++
	}
}

// Advance moves virtual time forward by d, firing due timers in deadline
// order and draining posted work after each one.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	s.Drain()
	for {
		t := s.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
		s.Drain()
	}
	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
}

// nextDue pops the earliest live timer due at or before target and moves the
// clock to its deadline. Periodic timers are rescheduled.
func (s *ManualScheduler) nextDue(target time.Time) *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(s.timers); i++ {
		s.timers[i] = nil
	}
	s.timers = live

	var next *manualTimer
	for _, t := range s.timers {
		if t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	if next == nil {
		return nil
	}
	s.now = next.at
	if next.period > 0 {
		s.seq++
		next.at = next.at.Add(next.period)
		next.seq = s.seq
	} else {
		next.stopped = true
	}
	return next
}

// Pending returns the number of live timers.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}
