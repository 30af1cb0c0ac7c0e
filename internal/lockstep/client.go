package lockstep

import (
	"github.com/roach88/lockstep/internal/value"
)

// Client is a participant's synchronizer. It queues local actions, relays
// them to the host and applies the host's frames to its machine.
type Client struct {
	endpoint
}

var _ Handler = (*Client)(nil)

// clientRole routes pushes and acks over the connector to the host.
type clientRole struct {
	eng *engine
}

func (r clientRole) push() {
	e := r.eng
	if !e.started || !e.cfg.Dynamic || len(e.outputQueue) == 0 {
		return
	}
	frame := Frame{RTT: e.rtt, Actions: e.takeOutput()}
	if err := e.conn.Push(frame, e.conn.HostID()); err != nil {
		e.transportError("push", e.conn.HostID(), err)
	}
}

func (r clientRole) ack(tickID int64) {
	e := r.eng
	ack := Ack{ID: tickID, Actions: e.takeOutput()}
	if err := e.conn.Ack(ack, e.conn.HostID()); err != nil {
		e.transportError("ack", e.conn.HostID(), err)
	}
}

func (r clientRole) tick() { r.eng.consume() }

func (r clientRole) buffer() int { return r.eng.cfg.FixedBuffer }

// NewClient builds a client around machine m and connector c. The config is
// replaced by the host's on join.
func NewClient(m Machine, c Connector, opts ...Option) *Client {
	o := buildOptions(opts)
	e := newEngine(m, c, o, "client")
	e.role = clientRole{eng: e}
	return &Client{endpoint{eng: e}}
}

// Join asks the host to admit this client with the given metadata.
func (c *Client) Join(meta value.Object) {
	e := c.eng
	e.sched.Post(func() {
		if err := e.conn.Connect(ConnectData{Meta: meta}, e.conn.HostID()); err != nil {
			e.transportError("connect", e.conn.HostID(), err)
		}
	})
}

// Stop stops the client. Pending futures stay pending.
func (c *Client) Stop() {
	e := c.eng
	e.sched.Post(func() {
		if e.started {
			e.stop()
		}
	})
}

// HandleAction receives a sealed frame from the host.
func (c *Client) HandleAction(frame Frame, _ ClientID) {
	e := c.eng
	e.sched.Post(func() { e.receiveFrame(frame, false) })
}

// HandleAck is host-only traffic; a client ignores it.
func (c *Client) HandleAck(ack Ack, from ClientID) {
	c.eng.log.Debug("ignoring ack on client", "from", from, "id", ack.ID)
}

// HandleConnect receives the host's session snapshot.
func (c *Client) HandleConnect(data ConnectData, _ ClientID) {
	e := c.eng
	e.sched.Post(func() { c.connect(data) })
}

func (c *Client) connect(data ConnectData) {
	e := c.eng
	if e.started {
		e.report(newError(ErrCodeState, data.ID, data.TickID, "already connected"))
		return
	}
	if err := data.Config.Validate(); err != nil {
		e.report(&SyncError{Code: ErrCodeProtocol, Message: "host sent invalid config", ClientID: e.conn.HostID(), Err: err})
		return
	}
	if id, ok := e.conn.(Identity); ok {
		id.SetClientID(data.ID)
	}
	if err := e.machine.LoadState(data.State); err != nil {
		e.report(&SyncError{Code: ErrCodeState, Message: "load initial state", ClientID: e.conn.HostID(), TickID: data.TickID, Err: err})
		return
	}
	e.setTick(data.TickID)
	e.cfg = data.Config
	e.setMeta(data.Meta)
	e.beginJournal()
	e.start()
	e.role.ack(e.tickID)
	e.log.Info("joined session", "client", e.conn.ClientID(), "tick", e.tickID)
	e.events.emit(Event{Kind: EventConnect, ClientID: e.conn.ClientID(), TickID: e.tickID})
}

// HandleDisconnect stops the client once the host drops it.
func (c *Client) HandleDisconnect(from ClientID) {
	e := c.eng
	e.sched.Post(func() {
		if e.started {
			e.stop()
		}
		e.events.emit(Event{Kind: EventDisconnect, ClientID: from, TickID: e.tickID})
	})
}

// HandleError reports an error received from the transport or the host.
func (c *Client) HandleError(err error, from ClientID) {
	e := c.eng
	e.sched.Post(func() { e.report(remoteError(err, from, e.tickID)) })
}

// remoteError keeps a SyncError as is and wraps anything else.
func remoteError(err error, from ClientID, tick int64) error {
	if CodeOf(err) != "" {
		return err
	}
	return &SyncError{Code: ErrCodeTransport, Message: "remote error", ClientID: from, TickID: tick, Err: err}
}
