package lockstep

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Timer is a cancellable scheduled callback. Stop prevents the callback from
// running if it has not started yet; stopping twice is harmless.
type Timer interface {
	Stop()
}

// Scheduler serializes all work of one endpoint onto a single logical thread.
// Post, After and Every may be called from any goroutine; the callbacks they
// schedule never run concurrently with each other.
type Scheduler interface {
	Now() time.Time
	Post(fn func())
	After(d time.Duration, fn func()) Timer
	Every(d time.Duration, fn func()) Timer
}

// Loop is the wall-clock Scheduler. Callbacks run in FIFO order inside Run.
//
// Thread-safety model:
//   - Post/After/Every: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1; closed on Close
	log    *slog.Logger
}

// NewLoop creates an idle loop. Nothing runs until Run is called.
func NewLoop() *Loop {
	return &Loop{
		tasks:  make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
		log:    slog.Default().With("component", "loop"),
	}
}

// Now returns the wall clock time.
func (l *Loop) Now() time.Time { return time.Now() }

// Post enqueues fn. Work posted after Close is dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.tasks = append(l.tasks, fn)
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) Timer {
	t := &loopTimer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if !t.stopped.Load() {
				fn()
			}
		})
	})
	return t
}

// Every runs fn on the loop every d until the timer is stopped.
func (l *Loop) Every(d time.Duration, fn func()) Timer {
	t := &loopTimer{quit: make(chan struct{})}
	ticker := time.NewTicker(d)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Post(func() {
					if !t.stopped.Load() {
						fn()
					}
				})
			case <-t.quit:
				return
			}
		}
	}()
	return t
}

// Run processes posted work until ctx is cancelled or Close is called.
//
// A panicking task is logged with its stack and the loop continues; the
// synchronizer already converts machine panics into errors, so anything
// reaching here is a bug in a callback.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if fn, ok := l.next(); ok {
			l.run(fn)
			continue
		}
		select {
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case _, open := <-l.signal:
			if !open && l.pending() == 0 {
				return nil
			}
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	if len(l.tasks) == 1 {
		l.tasks = l.tasks[:0]
	} else {
		l.tasks = l.tasks[1:]
	}
	return fn, true
}

func (l *Loop) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Close stops accepting work and wakes Run. Already queued work still runs.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.signal)
}

type loopTimer struct {
	stopped atomic.Bool
	timer   *time.Timer
	quit    chan struct{}
	once    sync.Once
}

func (t *loopTimer) Stop() {
	t.stopped.Store(true)
	t.once.Do(func() {
		if t.timer != nil {
			t.timer.Stop()
		}
		if t.quit != nil {
			close(t.quit)
		}
	})
}
