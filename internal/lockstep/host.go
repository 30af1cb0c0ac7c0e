package lockstep

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/lockstep/internal/value"
)

// ClientInfo is the host's record of one participant, itself included.
type ClientInfo struct {
	ID ClientID
	// RTT is the latest seal-to-ack delay.
	RTT time.Duration
	// AckID is the last tick this client acknowledged.
	AckID int64
	// LastTime is the last contact from this client.
	LastTime  time.Time
	Connected bool
	Meta      value.Object
	Frozen    bool
	// FreezeTime is zero unless Frozen.
	FreezeTime time.Time
}

// Host is the authoritative synchronizer. It is also its own first client:
// its actions go through the same host queue as everybody else's and it
// applies every sealed frame to its own machine.
type Host struct {
	endpoint

	actionHandler     ActionHandler
	connectionHandler ConnectionHandler

	// mu guards the roster for Clients(); mutation happens on the scheduler.
	mu         sync.Mutex
	clients    map[ClientID]*ClientInfo
	clientList []ClientID

	// sealed is the last tick handed out. The engine's tick trails it by
	// the frames the host's own jitter buffer still holds.
	sealed        int64
	frozenClients int
	obsSealed     atomic.Int64

	hostQueue     []QueueItem
	tickTime      *timeRing
	tickTimer     Timer
	livenessTimer Timer
}

var _ Handler = (*Host)(nil)

// hostRole feeds the host's own pushes and acks into its ingestion path.
type hostRole struct {
	h *Host
}

func (r hostRole) push() {
	e := r.h.eng
	if !e.started || !e.cfg.Dynamic || len(e.outputQueue) == 0 {
		return
	}
	r.h.receivePush(Frame{RTT: e.rtt, Actions: e.takeOutput()}, e.conn.ClientID())
}

func (r hostRole) ack(tickID int64) {
	e := r.h.eng
	r.h.receiveAck(Ack{ID: tickID, Actions: e.takeOutput()}, e.conn.ClientID())
}

func (r hostRole) tick() { r.h.tick() }

func (r hostRole) buffer() int { return r.h.eng.cfg.FixedBuffer }

// NewHost builds a host around machine m. The machine's current state is
// the session's initial state.
func NewHost(m Machine, c Connector, opts ...Option) *Host {
	o := buildOptions(opts)
	e := newEngine(m, c, o, "host")
	h := &Host{
		endpoint:          endpoint{eng: e},
		actionHandler:     o.actionHandler,
		connectionHandler: o.connectionHandler,
		clients:           make(map[ClientID]*ClientInfo),
		hostQueue:         []QueueItem{},
		tickTime:          newTimeRing(o.cfg.tickTimeCapacity()),
	}
	e.role = hostRole{h: h}
	return h
}

// Start opens the session with the given metadata. A second call is ignored.
func (h *Host) Start(meta value.Object) {
	h.eng.sched.Post(func() { h.start(meta) })
}

func (h *Host) start(meta value.Object) {
	e := h.eng
	if e.started {
		return
	}
	if err := e.cfg.Validate(); err != nil {
		e.report(&SyncError{Code: ErrCodeState, Message: "cannot start", ClientID: e.conn.ClientID(), Err: err})
		return
	}
	self := e.conn.ClientID()
	if h.connectionHandler != nil {
		out, err := h.connectionHandler(meta, self)
		if err != nil {
			e.report(&SyncError{Code: ErrCodeRejected, Message: "host metadata rejected", ClientID: self, Err: err})
			return
		}
		meta = out
	}
	e.setMeta(meta)
	h.setSealed(e.tickID)
	h.addClient(&ClientInfo{
		ID:        self,
		AckID:     e.tickID,
		LastTime:  e.sched.Now(),
		Connected: true,
		Meta:      meta,
	})
	e.beginJournal()
	e.start()
	if e.cfg.Dynamic && len(h.hostQueue) > 0 {
		h.tick()
	}
}

// Stop stops sealing ticks and cancels every timer. Pending futures stay
// pending.
func (h *Host) Stop() {
	e := h.eng
	e.sched.Post(func() {
		if !e.started {
			return
		}
		h.cancelTickTimer()
		h.stopLiveness()
		e.stop()
	})
}

// SealedTickID is the last tick the host sealed and broadcast. TickID is
// the last one applied to the host's machine.
func (h *Host) SealedTickID() int64 { return h.obsSealed.Load() }

func (h *Host) setSealed(id int64) {
	h.sealed = id
	h.obsSealed.Store(id)
}

// Clients returns a snapshot of the roster in join order.
func (h *Host) Clients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ClientInfo, 0, len(h.clientList))
	for _, id := range h.clientList {
		c := *h.clients[id]
		c.Meta = c.Meta.Clone()
		out = append(out, c)
	}
	return out
}

// HandleAction receives a client's pushed batch (dynamic mode).
func (h *Host) HandleAction(frame Frame, from ClientID) {
	h.eng.sched.Post(func() { h.receivePush(frame, from) })
}

// HandleAck receives a tick acknowledgement with the client's queued actions.
func (h *Host) HandleAck(ack Ack, from ClientID) {
	h.eng.sched.Post(func() { h.receiveAck(ack, from) })
}

// HandleConnect admits a new client.
func (h *Host) HandleConnect(data ConnectData, from ClientID) {
	h.eng.sched.Post(func() { h.connect(data.Meta, from) })
}

// HandleDisconnect removes a client that left.
func (h *Host) HandleDisconnect(from ClientID) {
	h.eng.sched.Post(func() { h.disconnect(from) })
}

// HandleError reports an error a client sent to the host. It is not echoed
// back.
func (h *Host) HandleError(err error, from ClientID) {
	e := h.eng
	e.sched.Post(func() { e.report(remoteError(err, from, e.tickID)) })
}

func (h *Host) addClient(c *ClientInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	h.clientList = append(h.clientList, c.ID)
}

func (h *Host) removeClient(id ClientID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
	for i, cid := range h.clientList {
		if cid == id {
			h.clientList = append(h.clientList[:i:i], h.clientList[i+1:]...)
			break
		}
	}
}

// client returns the live record; callers on the scheduler may mutate it
// while holding mu.
func (h *Host) client(id ClientID) (*ClientInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Host) update(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn()
}

// fail reports err and forwards it to the offending remote client.
func (h *Host) fail(err *SyncError) {
	e := h.eng
	e.report(err)
	if err.ClientID == e.conn.ClientID() {
		return
	}
	if cerr := e.conn.Error(err, err.ClientID); cerr != nil {
		e.log.Debug("failed to forward error", "client", err.ClientID, "error", cerr)
	}
}

func (h *Host) receivePush(frame Frame, from ClientID) {
	e := h.eng
	if !e.cfg.Dynamic {
		return
	}
	c, ok := h.client(from)
	if !ok {
		h.fail(newError(ErrCodeProtocol, from, e.tickID, "client %d does not exist", from))
		return
	}
	if frame.Actions == nil {
		h.fail(newError(ErrCodeProtocol, from, e.tickID, "actions value is not an array"))
		return
	}
	h.ingest(frame.Actions, c)
	if h.frozenClients == 0 && e.started {
		h.armTick()
	}
}

func (h *Host) ingest(items []QueueItem, c *ClientInfo) {
	info := *c
	for _, item := range items {
		out, ok := h.validate(item, info)
		if !ok {
			continue
		}
		h.hostQueue = append(h.hostQueue, out)
	}
}

func (h *Host) validate(item QueueItem, c ClientInfo) (QueueItem, bool) {
	if h.actionHandler != nil {
		return h.actionHandler(item, c)
	}
	item.ClientID = c.ID
	return item, true
}

func (h *Host) receiveAck(ack Ack, from ClientID) {
	e := h.eng
	c, ok := h.client(from)
	if !ok {
		h.fail(newError(ErrCodeProtocol, from, e.tickID, "client %d does not exist", from))
		return
	}
	if c.Connected && ack.ID == c.AckID {
		// Late duplicate: keep the bookkeeping, keep the actions.
		if ack.Actions != nil {
			h.ingest(ack.Actions, c)
			h.armTickIfPending()
		}
		return
	}
	if c.Connected && ack.ID != c.AckID+1 {
		h.fail(newError(ErrCodeDesync, from, ack.ID, "ack order mismatch: expected %d", c.AckID+1))
		return
	}
	if ack.ID > h.sealed {
		h.fail(newError(ErrCodeDesync, from, ack.ID, "ack for future tick, host is at %d", h.sealed))
		return
	}
	if ack.Actions == nil {
		h.fail(newError(ErrCodeProtocol, from, ack.ID, "actions field is not an array"))
		return
	}
	now := e.sched.Now()
	h.update(func() {
		c.AckID = ack.ID
		if c.Connected {
			if sealed, ok := h.tickTime.back(h.sealed - ack.ID); ok {
				c.RTT = now.Sub(sealed)
			}
		} else {
			c.RTT = now.Sub(c.LastTime)
			c.Connected = true
		}
		c.LastTime = now
	})
	h.ingest(ack.Actions, c)
	h.unfreezeClient(c)
	h.armTickIfPending()
}

func (h *Host) armTickIfPending() {
	if len(h.hostQueue) > 0 && h.eng.cfg.Dynamic && h.eng.started {
		h.armTick()
	}
}

func (h *Host) armTick() {
	e := h.eng
	if h.tickTimer != nil {
		return
	}
	h.tickTimer = e.sched.After(e.cfg.DynamicTickWait, func() {
		h.tickTimer = nil
		h.tick()
	})
}

func (h *Host) cancelTickTimer() {
	if h.tickTimer != nil {
		h.tickTimer.Stop()
		h.tickTimer = nil
	}
}

// tick checks client liveness and, unless anyone is frozen, seals the host
// queue into the next frame.
func (h *Host) tick() {
	e := h.eng
	if !e.started {
		return
	}
	h.cancelTickTimer()
	now := e.sched.Now()
	h.checkLiveness(now)
	if h.frozenClients > 0 {
		return
	}
	if e.cfg.Dynamic && len(h.hostQueue) == 0 {
		return
	}
	h.seal(now)
	if !e.cfg.Dynamic {
		e.consume()
	}
}

func (h *Host) checkLiveness(now time.Time) {
	e := h.eng
	self := e.conn.ClientID()
	for _, c := range h.roster() {
		if c.ID == self {
			continue
		}
		if c.AckID == h.sealed && !c.Frozen {
			continue
		}
		switch {
		case c.Frozen && now.Sub(c.FreezeTime) > e.cfg.DisconnectWait:
			e.log.Info("disconnecting unresponsive client", "client", c.ID, "frozen_for", now.Sub(c.FreezeTime))
			if err := e.conn.Disconnect(c.ID); err != nil {
				e.transportError("disconnect", c.ID, err)
			}
			h.disconnect(c.ID)
			e.report(newError(ErrCodeLiveness, c.ID, h.sealed,
				"client silent for more than %s", e.cfg.DisconnectWait))
		case now.Sub(c.LastTime) > e.cfg.FreezeWait:
			h.freezeClient(c, now)
		}
	}
}

// roster returns the live records in join order.
func (h *Host) roster() []*ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*ClientInfo, 0, len(h.clientList))
	for _, id := range h.clientList {
		out = append(out, h.clients[id])
	}
	return out
}

func (h *Host) seal(now time.Time) {
	e := h.eng
	h.setSealed(h.sealed + 1)
	h.tickTime.push(now)
	actions := h.hostQueue
	h.hostQueue = []QueueItem{}

	self := e.conn.ClientID()
	var selfRTT time.Duration
	for _, c := range h.roster() {
		if c.ID == self {
			selfRTT = c.RTT
			continue
		}
		frame := Frame{ID: h.sealed, RTT: c.RTT, Actions: actions}
		if err := e.conn.Push(frame, c.ID); err != nil {
			e.transportError("push", c.ID, err)
		}
	}
	e.log.Debug("sealed tick", "tick", h.sealed, "actions", len(actions))
	e.receiveFrame(Frame{ID: h.sealed, RTT: selfRTT, Actions: actions}, true)
}

func (h *Host) freezeClient(c *ClientInfo, now time.Time) {
	if c.Frozen {
		return
	}
	h.update(func() {
		c.Frozen = true
		c.FreezeTime = now
	})
	h.frozenClients++
	h.eng.addFreeze(1, c.ID)
	h.armLiveness()
}

func (h *Host) unfreezeClient(c *ClientInfo) {
	if !c.Frozen {
		return
	}
	h.update(func() {
		c.Frozen = false
		c.FreezeTime = time.Time{}
	})
	h.frozenClients--
	h.eng.addFreeze(-1, c.ID)
	if h.frozenClients == 0 {
		h.stopLiveness()
	}
}

// armLiveness keeps checking frozen clients in dynamic mode, where no tick
// timer would otherwise run while nothing is sealed.
func (h *Host) armLiveness() {
	e := h.eng
	if !e.cfg.Dynamic || h.livenessTimer != nil || !e.started {
		return
	}
	h.livenessTimer = e.sched.Every(e.cfg.FixedTick, func() {
		if h.frozenClients == 0 {
			h.stopLiveness()
			return
		}
		h.tick()
	})
}

func (h *Host) stopLiveness() {
	if h.livenessTimer != nil {
		h.livenessTimer.Stop()
		h.livenessTimer = nil
	}
}

func (h *Host) connect(meta value.Object, id ClientID) {
	e := h.eng
	if _, ok := h.client(id); ok {
		h.fail(newError(ErrCodeState, id, e.tickID, "client %d already joined", id))
		return
	}
	if h.connectionHandler != nil {
		out, err := h.connectionHandler(meta, id)
		if err != nil {
			h.fail(&SyncError{Code: ErrCodeRejected, Message: "connection rejected", ClientID: id, TickID: e.tickID, Err: err})
			return
		}
		meta = out
	}
	now := e.sched.Now()
	c := &ClientInfo{
		ID:       id,
		AckID:    e.tickID,
		LastTime: now,
		Meta:     meta,
	}
	h.addClient(c)
	// Hold ticks until the newcomer acknowledges its snapshot.
	h.freezeClient(c, now)
	snap := ConnectData{
		State:  e.machine.State(),
		TickID: e.tickID,
		Config: e.cfg,
		ID:     id,
		Meta:   meta,
	}
	if err := e.conn.Connect(snap, id); err != nil {
		e.transportError("connect", id, err)
	}
	// The snapshot is the applied state; frames the host still holds
	// back follow it so the newcomer catches up to the sealed tick.
	for _, frame := range e.inputQueue {
		if err := e.conn.Push(Frame{ID: frame.ID, Actions: frame.Actions}, id); err != nil {
			e.transportError("push", id, err)
			break
		}
	}
	e.log.Info("client joined", "client", id, "tick", e.tickID)
	e.events.emit(Event{Kind: EventConnect, ClientID: id, TickID: e.tickID})
}

func (h *Host) disconnect(id ClientID) {
	e := h.eng
	c, ok := h.client(id)
	if !ok {
		h.fail(newError(ErrCodeProtocol, id, e.tickID, "client %d does not exist", id))
		return
	}
	h.removeClient(id)
	h.unfreezeClient(c)
	e.log.Info("client left", "client", id, "tick", e.tickID)
	e.events.emit(Event{Kind: EventDisconnect, ClientID: id, TickID: e.tickID})
	h.armTickIfPending()
}

var (
	// ErrUnknownClient is returned by Kick for an id not in the roster.
	ErrUnknownClient = errors.New("unknown client")
	// ErrKickHost is returned by Kick for the host's own id.
	ErrKickHost = errors.New("cannot kick the host")
)

// Kick disconnects a client from the host side.
func (h *Host) Kick(id ClientID) error {
	if id == h.eng.conn.ClientID() {
		return fmt.Errorf("kick %d: %w", id, ErrKickHost)
	}
	if _, ok := h.client(id); !ok {
		return fmt.Errorf("kick %d: %w", id, ErrUnknownClient)
	}
	e := h.eng
	e.sched.Post(func() {
		if _, ok := h.client(id); !ok {
			return
		}
		if err := e.conn.Disconnect(id); err != nil {
			e.transportError("disconnect", id, err)
		}
		h.disconnect(id)
	})
	return nil
}
