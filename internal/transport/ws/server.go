package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/roach88/lockstep/internal/lockstep"
	"github.com/roach88/lockstep/internal/transport/wire"
)

// HostID is the host's id; clients are numbered from 1 in accept order.
const HostID lockstep.ClientID = 0

// Server is the host side connector and the http.Handler clients dial.
//
// Thread-safety: all methods are safe for concurrent use.
type Server struct {
	upgrader websocket.Upgrader
	log      *slog.Logger
	limit    rate.Limit
	burst    int

	mu      sync.Mutex
	handler lockstep.Handler
	peers   map[lockstep.ClientID]*serverPeer
	nextID  lockstep.ClientID
}

type serverPeer struct {
	*link
	id      lockstep.ClientID
	limiter *rate.Limiter
	// kicked is set when the host closed the connection, so the read side
	// does not report the disconnect back.
	kicked bool
}

var _ lockstep.Connector = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimit caps inbound messages per connection. Reads pause once the
// burst is spent. Default: 100/s, burst 50.
func WithRateLimit(r rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.limit = r
		s.burst = burst
	}
}

// WithServerLogger sets the logger. Default: slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithCheckOrigin replaces the origin check. Default: allow all.
func WithCheckOrigin(fn func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer creates a server with no handler bound.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:    slog.Default(),
		limit:  100,
		burst:  50,
		peers:  make(map[lockstep.ClientID]*serverPeer),
		nextID: HostID + 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "transport.ws", "side", "host")
	return s
}

// Bind attaches the host's handler. Connections accepted before Bind are
// refused.
func (s *Server) Bind(h lockstep.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		http.Error(w, "host not ready", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	p := &serverPeer{
		link:    newLink(conn, s.log.With("client", id)),
		id:      id,
		limiter: rate.NewLimiter(s.limit, s.burst),
	}
	s.peers[id] = p
	s.mu.Unlock()

	s.log.Info("client connected", "client", id, "remote", r.RemoteAddr)
	go p.writePump()
	s.readPump(r.Context(), p, h)
}

func (s *Server) readPump(ctx context.Context, p *serverPeer, h lockstep.Handler) {
	defer func() {
		s.mu.Lock()
		kicked := p.kicked
		if s.peers[p.id] == p {
			delete(s.peers, p.id)
		}
		s.mu.Unlock()
		p.close()
		<-p.done
		if !kicked {
			h.HandleDisconnect(p.id)
		}
		s.log.Info("client disconnected", "client", p.id, "kicked", kicked)
	}()
	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if !expectedClose(err) {
				s.log.Debug("read failed", "client", p.id, "error", err)
			}
			return
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		env, err := wire.Decode(msg)
		if err != nil {
			s.log.Warn("bad message", "client", p.id, "error", err)
			continue
		}
		if err := wire.Dispatch(env, h, p.id); err != nil {
			s.log.Warn("dispatch failed", "client", p.id, "type", env.Type, "error", err)
		}
	}
}

func (s *Server) peer(id lockstep.ClientID) (*serverPeer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return nil, fmt.Errorf("ws: client %d: %w", id, ErrClosed)
	}
	return p, nil
}

func (s *Server) sendTo(id lockstep.ClientID, t string, payload any) error {
	p, err := s.peer(id)
	if err != nil {
		return err
	}
	msg, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	return p.enqueue(msg)
}

// kick closes a peer from the host side after its queue drains.
func (s *Server) kick(id lockstep.ClientID) error {
	s.mu.Lock()
	p, ok := s.peers[id]
	if ok {
		p.kicked = true
		delete(s.peers, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ws: client %d: %w", id, ErrClosed)
	}
	p.close()
	return nil
}

// HostID implements lockstep.Connector.
func (s *Server) HostID() lockstep.ClientID { return HostID }

// ClientID implements lockstep.Connector.
func (s *Server) ClientID() lockstep.ClientID { return HostID }

// Push sends a sealed frame.
func (s *Server) Push(frame lockstep.Frame, target lockstep.ClientID) error {
	return s.sendTo(target, wire.MsgPush, frame)
}

// Ack sends an ack.
func (s *Server) Ack(ack lockstep.Ack, target lockstep.ClientID) error {
	return s.sendTo(target, wire.MsgAck, ack)
}

// Connect sends the session snapshot.
func (s *Server) Connect(data lockstep.ConnectData, target lockstep.ClientID) error {
	return s.sendTo(target, wire.MsgConnect, data)
}

// Disconnect closes a client connection.
func (s *Server) Disconnect(target lockstep.ClientID) error {
	return s.kick(target)
}

// Error sends an error notice and then closes the client.
func (s *Server) Error(err error, target lockstep.ClientID) error {
	p, perr := s.peer(target)
	if perr != nil {
		return perr
	}
	msg, encErr := wire.EncodeError(err, target)
	if encErr != nil {
		return encErr
	}
	if err := p.enqueue(msg); err != nil {
		return err
	}
	return s.kick(target)
}

// Close drops every client.
func (s *Server) Close() {
	s.mu.Lock()
	ids := make([]lockstep.ClientID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.kick(id)
	}
}
