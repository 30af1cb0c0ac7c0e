package lockstep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/lockstep/internal/value"
)

// role holds the behavior that differs between a plain client and the host
// acting as its own first client.
type role interface {
	// push flushes the output queue toward the host (dynamic mode).
	push()
	// ack acknowledges a received frame and relays the output queue.
	ack(tickID int64)
	// tick is what the fixed mode interval runs.
	tick()
	// buffer is how many frames consume holds back.
	buffer() int
}

// engine is the shared tick/queue/freeze machinery.
//
// CRITICAL: every field below the observation block is confined to the
// scheduler. Public entry points post onto it.
type engine struct {
	machine Machine
	conn    Connector
	cfg     Config
	sched   Scheduler
	log     *slog.Logger
	journal Journal
	role    role
	events  bus

	tickID      int64
	inputQueue  []Frame
	outputQueue []QueueItem
	rtt         time.Duration
	frozen      int
	localFrozen bool
	started     bool
	meta        value.Object

	pushTimer  Timer
	fixedTimer Timer

	promiseIDs sequence
	promises   map[int64]*Future

	// Observation copies, readable from any goroutine.
	obsTick    atomic.Int64
	obsRTT     atomic.Int64
	obsFrozen  atomic.Int64
	obsStarted atomic.Bool
	obsMeta    atomic.Pointer[value.Object]
}

func newEngine(m Machine, c Connector, o options, roleName string) *engine {
	return &engine{
		machine:     m,
		conn:        c,
		cfg:         o.cfg,
		sched:       o.sched,
		log:         o.log.With("component", "lockstep", "role", roleName),
		journal:     o.journal,
		outputQueue: []QueueItem{},
		promises:    make(map[int64]*Future),
	}
}

func (e *engine) setTick(id int64) {
	e.tickID = id
	e.obsTick.Store(id)
}

func (e *engine) setMeta(m value.Object) {
	e.meta = m
	snap := m.Clone()
	e.obsMeta.Store(&snap)
}

func (e *engine) setStarted(v bool) {
	e.started = v
	e.obsStarted.Store(v)
}

// takeOutput empties the output queue, returning its previous contents.
// Never returns nil so the payload always encodes as an array.
func (e *engine) takeOutput() []QueueItem {
	out := e.outputQueue
	e.outputQueue = []QueueItem{}
	return out
}

func (e *engine) start() {
	e.setStarted(true)
	e.log.Info("synchronizer started", "tick", e.tickID, "dynamic", e.cfg.Dynamic)
	e.events.emit(Event{Kind: EventStart, TickID: e.tickID})
	if e.cfg.Dynamic {
		e.role.push()
		return
	}
	if e.fixedTimer == nil {
		e.fixedTimer = e.sched.Every(e.cfg.FixedTick, e.role.tick)
	}
}

func (e *engine) stop() {
	e.setStarted(false)
	if e.fixedTimer != nil {
		e.fixedTimer.Stop()
		e.fixedTimer = nil
	}
	e.cancelPush()
	e.log.Info("synchronizer stopped", "tick", e.tickID, "pending", len(e.promises))
	e.events.emit(Event{Kind: EventStop, TickID: e.tickID})
}

func (e *engine) cancelPush() {
	if e.pushTimer != nil {
		e.pushTimer.Stop()
		e.pushTimer = nil
	}
}

// send queues an action under a future created by the caller.
func (e *engine) send(item QueueItem, fut *Future) {
	e.promises[item.PromiseID] = fut
	e.outputQueue = append(e.outputQueue, item)
	if e.cfg.Dynamic && e.started && e.pushTimer == nil {
		e.pushTimer = e.sched.After(e.cfg.DynamicPushWait, func() {
			e.pushTimer = nil
			e.role.push()
		})
	}
}

// receiveFrame queues a sealed frame from the host. suppress skips the
// sequencing check for the host's self delivery.
func (e *engine) receiveFrame(frame Frame, suppress bool) {
	if !suppress {
		expected := e.tickID + 1
		if n := len(e.inputQueue); n > 0 {
			expected = e.inputQueue[n-1].ID + 1
		}
		if frame.ID != expected {
			err := newError(ErrCodeDesync, e.conn.HostID(), frame.ID,
				"wrong tick data received: expected tick %d", expected)
			e.report(err)
			if cerr := e.conn.Error(err, e.conn.HostID()); cerr != nil {
				e.log.Warn("failed to send error to host", "error", cerr)
			}
			return
		}
		if frame.Actions == nil {
			e.report(newError(ErrCodeProtocol, e.conn.HostID(), frame.ID, "frame actions are not an array"))
			return
		}
	}
	e.inputQueue = append(e.inputQueue, frame)
	e.role.ack(frame.ID)
	e.rtt = frame.RTT
	e.obsRTT.Store(int64(frame.RTT))
	e.cancelPush()
	if e.cfg.Dynamic {
		e.consume()
	}
}

// consume applies buffered frames to the machine. With fewer than
// buffer()+1 frames queued the endpoint freezes instead of advancing.
func (e *engine) consume() {
	buffer := e.role.buffer()
	if len(e.inputQueue) < buffer+1 {
		e.freezeLocal()
		return
	}
	e.unfreezeLocal()
	for len(e.inputQueue) > buffer {
		frame := e.inputQueue[0]
		e.inputQueue[0] = Frame{}
		e.inputQueue = e.inputQueue[1:]
		e.apply(frame)
	}
	if len(e.inputQueue) == 0 {
		e.inputQueue = nil
	}
}

func (e *engine) apply(frame Frame) {
	e.setTick(frame.ID)
	self := e.conn.ClientID()
	for _, item := range frame.Actions {
		state, err := e.run(item)
		if item.ClientID == self {
			if fut, ok := e.promises[item.PromiseID]; ok {
				delete(e.promises, item.PromiseID)
				fut.settle(state, err)
				continue
			}
		}
		if err != nil {
			e.report(&SyncError{
				Code:     ErrCodeExecution,
				Message:  fmt.Sprintf("action %q failed", item.Type),
				ClientID: item.ClientID,
				TickID:   frame.ID,
				Err:      err,
			})
		}
	}
	if e.journal != nil {
		e.record(frame)
	}
	e.events.emit(Event{Kind: EventTick, TickID: frame.ID})
}

func (e *engine) record(frame Frame) {
	digest, err := value.Digest(value.DomainState, e.machine.State())
	if err != nil {
		e.log.Warn("state digest failed", "tick", frame.ID, "error", err)
		return
	}
	if err := e.journal.Append(frame, digest); err != nil {
		e.log.Warn("journal append failed", "tick", frame.ID, "error", err)
	}
}

func (e *engine) beginJournal() {
	if e.journal == nil {
		return
	}
	snap := ConnectData{
		State:  e.machine.State(),
		TickID: e.tickID,
		Config: e.cfg,
		ID:     e.conn.ClientID(),
		Meta:   e.meta,
	}
	if err := e.journal.Begin(snap); err != nil {
		e.log.Warn("journal begin failed", "error", err)
	}
}

// run executes one action, converting a machine panic into an error.
func (e *engine) run(item QueueItem) (state value.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("machine panic: %v", r)
		}
	}()
	return e.machine.Run(item)
}

// addFreeze moves the frozen counter. Notifications fire only on the 0->1
// and 1->0 edges.
func (e *engine) addFreeze(delta int, client ClientID) {
	before := e.frozen
	e.frozen += delta
	if e.frozen < 0 {
		e.log.Error("frozen counter below zero", "client", client)
		e.frozen = 0
	}
	e.obsFrozen.Store(int64(e.frozen))
	switch {
	case before == 0 && e.frozen > 0:
		e.log.Info("frozen", "client", client, "tick", e.tickID)
		e.events.emit(Event{Kind: EventFreeze, ClientID: client, TickID: e.tickID})
	case before > 0 && e.frozen == 0:
		e.log.Info("unfrozen", "client", client, "tick", e.tickID)
		e.events.emit(Event{Kind: EventUnfreeze, ClientID: client, TickID: e.tickID})
	}
}

func (e *engine) freezeLocal() {
	if e.localFrozen {
		return
	}
	e.localFrozen = true
	e.addFreeze(1, e.conn.ClientID())
}

func (e *engine) unfreezeLocal() {
	if !e.localFrozen {
		return
	}
	e.localFrozen = false
	e.addFreeze(-1, e.conn.ClientID())
}

// report logs err and delivers it to subscribers.
func (e *engine) report(err error) {
	var se *SyncError
	if errors.As(err, &se) && se.Code == ErrCodeExecution {
		e.log.Debug("action failed", "error", err)
	} else {
		e.log.Warn("lockstep error", "error", err)
	}
	ev := Event{Kind: EventError, Err: err, TickID: e.tickID}
	if se != nil {
		ev.ClientID = se.ClientID
	}
	e.events.emit(ev)
}

func (e *engine) transportError(op string, target ClientID, err error) {
	e.report(&SyncError{
		Code:     ErrCodeTransport,
		Message:  op + " failed",
		ClientID: target,
		TickID:   e.tickID,
		Err:      err,
	})
}

// endpoint carries the API shared by Client and Host.
type endpoint struct {
	eng *engine
}

// Send queues an action and returns its future. Safe from any goroutine.
func (p endpoint) Send(a Action) *Future {
	e := p.eng
	id := e.promiseIDs.next()
	fut := newFuture(id)
	item := QueueItem{Action: a, PromiseID: id, ClientID: e.conn.ClientID()}
	e.sched.Post(func() { e.send(item, fut) })
	return fut
}

// Subscribe registers a listener and returns its cancel function.
func (p endpoint) Subscribe(l Listener) (unsubscribe func()) {
	return p.eng.events.subscribe(l)
}

// TickID returns the last applied tick id.
func (p endpoint) TickID() int64 { return p.eng.obsTick.Load() }

// RTT returns the latest round trip estimate.
func (p endpoint) RTT() time.Duration { return time.Duration(p.eng.obsRTT.Load()) }

// Frozen reports whether any cause currently blocks progress.
func (p endpoint) Frozen() bool { return p.eng.obsFrozen.Load() > 0 }

// Meta returns the session metadata: received on join for a client, the
// connection handler's output for the host.
func (p endpoint) Meta() value.Object {
	if m := p.eng.obsMeta.Load(); m != nil {
		return *m
	}
	return nil
}

// Started reports the lifecycle flag.
func (p endpoint) Started() bool { return p.eng.obsStarted.Load() }

// Run drives the scheduler when it needs a goroutine (the default Loop).
// With any other scheduler it blocks until ctx ends.
func (p endpoint) Run(ctx context.Context) error {
	if r, ok := p.eng.sched.(runner); ok {
		return r.Run(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}
