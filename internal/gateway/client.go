package gateway

import (
	"bufio"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/slowplay/slowplay/internal/auth"
	"github.com/slowplay/slowplay/internal/monitoring"
	"github.com/slowplay/slowplay/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outgoing buffer per client. A full buffer drops frames rather than
	// blocking the fan-out path.
	sendBufferSize = 256
)

// Client is one live socket. Session state (roomCode, sessionID, nickname)
// is set by the join handler and guarded by mu; the socket id and identity
// are fixed at upgrade time.
type Client struct {
	ID       string
	conn     net.Conn
	send     chan []byte
	identity auth.Identity

	closeOnce sync.Once

	mu        sync.Mutex
	roomCode  string
	sessionID string
	nickname  string
}

func newClient(conn net.Conn, identity auth.Identity) *Client {
	return &Client{
		ID:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		identity: identity,
	}
}

// session returns the client's room attachment, empty strings before join.
func (c *Client) session() (roomCode, sessionID, nickname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode, c.sessionID, c.nickname
}

func (c *Client) setSession(roomCode, sessionID, nickname string) {
	c.mu.Lock()
	c.roomCode = roomCode
	c.sessionID = sessionID
	c.nickname = nickname
	c.mu.Unlock()
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump reads frames from the socket until it errors or closes.
func (s *Server) readPump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{"socket_id": c.ID})
	defer s.disconnectClient(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch op {
		case ws.OpText:
			s.dispatchFrame(c, msg)
		case ws.OpClose:
			return
		}
	}
}

// dispatchFrame isolates handler panics so one bad frame cannot close the
// socket.
func (s *Server) dispatchFrame(c *Client, msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("socket_id", c.ID).
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Msg("event handler panic recovered")
			s.sendError(c, protocol.ErrInternal, "internal error", 0)
		}
	}()
	s.handleFrame(c, msg)
}

// writePump drains the send channel onto the socket, batching bursts behind
// a buffered writer to cut syscalls, and keeps the connection alive with
// periodic pings.
func (s *Server) writePump(c *Client) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{"socket_id": c.ID})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				s.logger.Debug().Err(err).Str("socket_id", c.ID).Msg("write failed")
				return
			}

			// Batch whatever else is already queued before flushing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					s.logger.Debug().Err(err).Str("socket_id", c.ID).Msg("write failed")
					return
				}
			}
			if err := writer.Flush(); err != nil {
				s.logger.Debug().Err(err).Str("socket_id", c.ID).Msg("flush failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("socket_id", c.ID).Msg("ping failed")
				return
			}
		}
	}
}
