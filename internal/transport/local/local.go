// Package local is an in-process lockstep transport. Every message is
// encoded with the wire envelope and decoded on delivery, so payloads go
// through the same codec as the WebSocket binding.
//
// Delivery runs on a lockstep.Scheduler. With a delay, messages arrive after
// the delay; this is meant for virtual time (testutil.ManualScheduler),
// where equal deadlines fire in send order.
package local

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/transport/wire"
)

// HostID is the id of the host on every local network.
const HostID lockstep.ClientID = 0

var (
	// ErrClosed is returned when sending on a link that was disconnected.
	ErrClosed = errors.New("local: link closed")
	// ErrUnknownPeer is returned when the target id has no link.
	ErrUnknownPeer = errors.New("local: unknown peer")
)

// Network connects one host with any number of clients.
type Network struct {
	mu      sync.Mutex
	sched   lockstep.Scheduler
	delay   time.Duration
	log     *slog.Logger
	host    lockstep.Handler
	links   map[lockstep.ClientID]*link
	nextID  lockstep.ClientID
	sent    int
	dropped int
}

type link struct {
	client  lockstep.Handler
	paused  bool
	backlog []func()
}

// Option configures a Network.
type Option func(*Network)

// WithDelay delays every delivery by d.
func WithDelay(d time.Duration) Option {
	return func(n *Network) { n.delay = d }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(n *Network) { n.log = l }
}

// NewNetwork creates an empty network delivering on sched.
func NewNetwork(sched lockstep.Scheduler, opts ...Option) *Network {
	n := &Network{
		sched:  sched,
		log:    slog.Default(),
		links:  make(map[lockstep.ClientID]*link),
		nextID: HostID + 1,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With("component", "transport.local")
	return n
}

// Host returns the host's connector. Bind the host to it before traffic
// flows.
func (n *Network) Host() *HostConn {
	return &HostConn{net: n}
}

// Dial registers a new client link and returns its connector.
func (n *Network) Dial() *ClientConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.links[id] = &link{}
	return &ClientConn{net: n, id: id}
}

// Pause holds all traffic of client id, both directions, until Resume.
func (n *Network) Pause(id lockstep.ClientID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.links[id]; ok {
		l.paused = true
	}
}

// Resume releases held traffic of client id in send order.
func (n *Network) Resume(id lockstep.ClientID) {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		return
	}
	l.paused = false
	held := l.backlog
	l.backlog = nil
	n.mu.Unlock()
	for _, fn := range held {
		n.schedule(fn)
	}
}

// Stats returns the number of messages sent and dropped on closed links.
func (n *Network) Stats() (sent, dropped int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent, n.dropped
}

func (n *Network) schedule(fn func()) {
	if n.delay > 0 {
		n.sched.After(n.delay, fn)
		return
	}
	n.sched.Post(fn)
}

// send routes one envelope over the link of client id. toHost selects the
// direction.
func (n *Network) send(id lockstep.ClientID, toHost bool, msg []byte) error {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		if toHost {
			return ErrClosed
		}
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	n.sent++
	deliver := func() { n.deliver(id, toHost, msg) }
	if l.paused {
		l.backlog = append(l.backlog, deliver)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()
	n.schedule(deliver)
	return nil
}

func (n *Network) deliver(id lockstep.ClientID, toHost bool, msg []byte) {
	n.mu.Lock()
	l, ok := n.links[id]
	host := n.host
	if !ok {
		n.dropped++
		n.mu.Unlock()
		return
	}
	target, from := l.client, HostID
	if toHost {
		target, from = host, id
	}
	n.mu.Unlock()
	if target == nil {
		n.log.Warn("dropping message for unbound endpoint", "client", id, "to_host", toHost)
		return
	}
	env, err := wire.Decode(msg)
	if err != nil {
		n.log.Warn("bad message", "client", id, "error", err)
		return
	}
	if err := wire.Dispatch(env, target, from); err != nil {
		n.log.Warn("dispatch failed", "client", id, "type", env.Type, "error", err)
	}
}

// close removes the link of client id and tells the other side.
func (n *Network) close(id lockstep.ClientID, byHost bool) error {
	n.mu.Lock()
	l, ok := n.links[id]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownPeer, id)
	}
	delete(n.links, id)
	host := n.host
	n.mu.Unlock()

	if byHost {
		if l.client != nil {
			n.schedule(func() { l.client.HandleDisconnect(HostID) })
		}
		return nil
	}
	if host != nil {
		n.schedule(func() { host.HandleDisconnect(id) })
	}
	return nil
}

func encode(t string, payload any) ([]byte, error) {
	return wire.Encode(t, payload)
}

// HostConn is the host side lockstep.Connector.
type HostConn struct {
	net *Network
}

var _ lockstep.Connector = (*HostConn)(nil)

// Bind attaches the host's handler.
func (c *HostConn) Bind(h lockstep.Handler) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.net.host = h
}

// HostID implements lockstep.Connector.
func (c *HostConn) HostID() lockstep.ClientID { return HostID }

// ClientID implements lockstep.Connector.
func (c *HostConn) ClientID() lockstep.ClientID { return HostID }

// Push sends a sealed frame to a client.
func (c *HostConn) Push(frame lockstep.Frame, target lockstep.ClientID) error {
	msg, err := encode(wire.MsgPush, frame)
	if err != nil {
		return err
	}
	return c.net.send(target, false, msg)
}

// Ack sends an ack to a client. The host does not normally do this.
func (c *HostConn) Ack(ack lockstep.Ack, target lockstep.ClientID) error {
	msg, err := encode(wire.MsgAck, ack)
	if err != nil {
		return err
	}
	return c.net.send(target, false, msg)
}

// Connect sends the session snapshot to a joining client.
func (c *HostConn) Connect(data lockstep.ConnectData, target lockstep.ClientID) error {
	msg, err := encode(wire.MsgConnect, data)
	if err != nil {
		return err
	}
	return c.net.send(target, false, msg)
}

// Disconnect drops a client.
func (c *HostConn) Disconnect(target lockstep.ClientID) error {
	return c.net.close(target, true)
}

// Error sends an error notice to a client.
func (c *HostConn) Error(err error, target lockstep.ClientID) error {
	msg, encErr := wire.EncodeError(err, target)
	if encErr != nil {
		return encErr
	}
	return c.net.send(target, false, msg)
}

// ClientConn is a client side lockstep.Connector.
type ClientConn struct {
	net *Network
	id  lockstep.ClientID
}

var _ lockstep.Connector = (*ClientConn)(nil)

// Bind attaches the client's handler.
func (c *ClientConn) Bind(h lockstep.Handler) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if l, ok := c.net.links[c.id]; ok {
		l.client = h
	}
}

// HostID implements lockstep.Connector.
func (c *ClientConn) HostID() lockstep.ClientID { return HostID }

// ClientID implements lockstep.Connector.
func (c *ClientConn) ClientID() lockstep.ClientID { return c.id }

// Push sends a batch of actions to the host.
func (c *ClientConn) Push(frame lockstep.Frame, _ lockstep.ClientID) error {
	msg, err := encode(wire.MsgAction, frame)
	if err != nil {
		return err
	}
	return c.net.send(c.id, true, msg)
}

// Ack acknowledges a tick to the host.
func (c *ClientConn) Ack(ack lockstep.Ack, _ lockstep.ClientID) error {
	msg, err := encode(wire.MsgAck, ack)
	if err != nil {
		return err
	}
	return c.net.send(c.id, true, msg)
}

// Connect asks the host to join.
func (c *ClientConn) Connect(data lockstep.ConnectData, _ lockstep.ClientID) error {
	msg, err := encode(wire.MsgConnect, data)
	if err != nil {
		return err
	}
	return c.net.send(c.id, true, msg)
}

// Disconnect leaves the network.
func (c *ClientConn) Disconnect(_ lockstep.ClientID) error {
	return c.net.close(c.id, false)
}

// Error reports an error to the host.
func (c *ClientConn) Error(err error, _ lockstep.ClientID) error {
	msg, encErr := wire.EncodeError(err, c.id)
	if encErr != nil {
		return encErr
	}
	return c.net.send(c.id, true, msg)
}
