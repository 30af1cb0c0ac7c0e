package lockstep

import (
	"fmt"
	"sync"
)

// EventKind enumerates the notifications a synchronizer emits.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventStop
	EventConnect
	EventDisconnect
	EventTick
	EventFreeze
	EventUnfreeze
	EventError
)

var eventNames = map[EventKind]string{
	EventStart:      "start",
	EventStop:       "stop",
	EventConnect:    "connect",
	EventDisconnect: "disconnect",
	EventTick:       "tick",
	EventFreeze:     "freeze",
	EventUnfreeze:   "unfreeze",
	EventError:      "error",
}

// String returns the lower-case event name.
func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one notification. TickID is set for EventTick, ClientID for host
// roster events and errors, Err for EventError.
type Event struct {
	Kind     EventKind
	TickID   int64
	ClientID ClientID
	Err      error
}

// Listener observes events. Listeners run on the synchronizer's scheduler and
// must not block or call back into the synchronizer's Handle methods.
type Listener func(Event)

// bus is an ordered listener list. Subscribe and unsubscribe are safe from any
// goroutine; emit is called from the scheduler.
type bus struct {
	mu        sync.Mutex
	nextID    int
	listeners []subscription
}

type subscription struct {
	id int
	fn Listener
}

func (b *bus) subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.listeners {
			if s.id == id {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

func (b *bus) emit(ev Event) {
	b.mu.Lock()
	subs := make([]subscription, len(b.listeners))
	copy(subs, b.listeners)
	b.mu.Unlock()
	for _, s := range subs {
		s.fn(ev)
	}
}
