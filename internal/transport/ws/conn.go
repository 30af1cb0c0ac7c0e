// Package ws binds the lockstep synchronizer to WebSockets. The host side is
// an http.Handler that accepts clients; the client side dials it. Messages
// use the wire envelope as text frames.
package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var (
	// ErrClosed is returned when sending on a closed connection.
	ErrClosed = errors.New("ws: connection closed")
	// ErrSlowPeer is returned when a peer's send buffer is full; the peer is
	// dropped.
	ErrSlowPeer = errors.New("ws: send buffer full")
)

// link owns one websocket connection: a buffered outbound queue drained by
// a single writer goroutine, with pings to keep the connection alive.
type link struct {
	conn *websocket.Conn
	log  *slog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}
}

func newLink(conn *websocket.Conn, log *slog.Logger) *link {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &link{
		conn: conn,
		log:  log,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

// enqueue queues msg for the writer. It never blocks.
func (l *link) enqueue(msg []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	select {
	case l.send <- msg:
		return nil
	default:
		l.closeLocked()
		return ErrSlowPeer
	}
}

// close lets the writer flush what is queued, then sends a close frame.
func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeLocked()
}

func (l *link) closeLocked() {
	if l.closed {
		return
	}
	l.closed = true
	close(l.send)
}

// writePump is the only goroutine writing to conn.
func (l *link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = l.conn.Close()
		close(l.done)
	}()
	for {
		select {
		case msg, ok := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = l.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.log.Debug("write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// expectedClose reports whether err is an ordinary end of the connection.
func expectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent)
}
