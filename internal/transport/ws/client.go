package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/transport/wire"
)

// Client is the client side connector. Its id is unknown until the host's
// connect answer arrives; the synchronizer sets it through SetClientID.
type Client struct {
	*link
	id atomic.Int64

	mu      sync.Mutex
	handler lockstep.Handler
}

var (
	_ lockstep.Connector = (*Client)(nil)
	_ lockstep.Identity  = (*Client)(nil)
)

// Dial connects to a host at url (ws:// or wss://).
func Dial(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}
	c := &Client{link: newLink(conn, log.With("component", "transport.ws", "side", "client"))}
	c.id.Store(-1)
	return c, nil
}

// Bind attaches the client's handler. Call it before Run.
func (c *Client) Bind(h lockstep.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Run pumps messages until the connection closes or ctx ends, then reports
// the disconnect to the handler.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		return errors.New("ws: Run before Bind")
	}
	go c.writePump()
	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	var runErr error
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !expectedClose(err) && ctx.Err() == nil {
				runErr = fmt.Errorf("ws: read: %w", err)
			}
			break
		}
		env, err := wire.Decode(msg)
		if err != nil {
			c.log.Warn("bad message", "error", err)
			continue
		}
		if err := wire.Dispatch(env, h, HostID); err != nil {
			c.log.Warn("dispatch failed", "type", env.Type, "error", err)
		}
	}
	c.close()
	<-c.done
	h.HandleDisconnect(HostID)
	if runErr == nil {
		runErr = ctx.Err()
	}
	return runErr
}

func (c *Client) sendMsg(t string, payload any) error {
	msg, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

// SetClientID implements lockstep.Identity.
func (c *Client) SetClientID(id lockstep.ClientID) { c.id.Store(int64(id)) }

// HostID implements lockstep.Connector.
func (c *Client) HostID() lockstep.ClientID { return HostID }

// ClientID implements lockstep.Connector. It is -1 before the host assigns
// an id.
func (c *Client) ClientID() lockstep.ClientID { return lockstep.ClientID(c.id.Load()) }

// Push sends queued actions to the host.
func (c *Client) Push(frame lockstep.Frame, _ lockstep.ClientID) error {
	return c.sendMsg(wire.MsgAction, frame)
}

// Ack acknowledges a tick.
func (c *Client) Ack(ack lockstep.Ack, _ lockstep.ClientID) error {
	return c.sendMsg(wire.MsgAck, ack)
}

// Connect asks the host to join.
func (c *Client) Connect(data lockstep.ConnectData, _ lockstep.ClientID) error {
	return c.sendMsg(wire.MsgConnect, data)
}

// Disconnect closes the connection.
func (c *Client) Disconnect(_ lockstep.ClientID) error {
	c.close()
	return nil
}

// Error reports an error to the host.
func (c *Client) Error(err error, _ lockstep.ClientID) error {
	msg, encErr := wire.EncodeError(err, c.ClientID())
	if encErr != nil {
		return encErr
	}
	return c.enqueue(msg)
}
