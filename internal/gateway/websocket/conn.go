package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"loom/internal/gateway/rpc"
	"loom/pkg/logger"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before the read
	// deadline trips. pingPeriod must be shorter.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// maxMessageSize caps inbound request frames.
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Clients are native apps and local tooling, not browsers.
		return true
	},
}

// Conn is one attached client. Everything outbound goes through the send
// queue so the socket has a single writer.
type Conn struct {
	id   string
	hub  *Hub
	sock *websocket.Conn

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	sessions map[string]struct{}

	dispatch rpc.DispatchFunc
	log      zerolog.Logger
}

func newConn(hub *Hub, sock *websocket.Conn, dispatch rpc.DispatchFunc) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:       id,
		hub:      hub,
		sock:     sock,
		send:     make(chan []byte, hub.queueSize),
		done:     make(chan struct{}),
		dispatch: dispatch,
		log:      logger.Component("conn").With().Str("conn", id).Logger(),
	}
}

// ID returns the connection's identifier, assigned at upgrade time.
func (c *Conn) ID() string { return c.id }

// close tears the connection down. The send channel is never closed;
// writers race close() so the done channel is the shutdown signal.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

// enqueue queues an outbound frame without blocking. False means the
// queue is full or the connection is closing.
func (c *Conn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// wants reports whether this connection receives events for a session.
// Events without a session always pass; a connection with no filter
// receives everything.
func (c *Conn) wants(sessionID string) bool {
	if sessionID == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessions) == 0 {
		return true
	}
	_, ok := c.sessions[sessionID]
	return ok
}

// setFilter replaces the session filter. Empty means all sessions.
func (c *Conn) setFilter(sessions []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(sessions) == 0 {
		c.sessions = nil
		return
	}
	c.sessions = make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		c.sessions[s] = struct{}{}
	}
}

// readPump consumes request frames until the socket dies, then detaches
// the connection from the hub.
func (c *Conn) readPump() {
	defer func() {
		c.hub.Remove(c)
		c.close()
	}()

	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		var req rpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendResponse(rpc.Fail("", rpc.NewError(rpc.CodeInvalidParams, "malformed request")))
			continue
		}
		if req.Method == "" {
			c.sendResponse(rpc.Fail(req.ID, rpc.NewError(rpc.CodeInvalidParams, "method is required")))
			continue
		}

		// Requests run concurrently; responses correlate by ID, not order.
		go c.handle(&req)
	}
}

func (c *Conn) handle(req *rpc.Request) {
	resp := c.dispatch(context.Background(), c.id, req)
	c.sendResponse(resp)
}

func (c *Conn) sendResponse(resp *rpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.log.Error().Err(err).Str("request", resp.ID).Msg("response not serializable")
		data, _ = json.Marshal(rpc.Fail(resp.ID, rpc.NewError(rpc.CodeInternalError, "internal error")))
	}
	if !c.enqueue(data) {
		c.hub.drop(c, "slow consumer")
	}
}

// writePump owns the socket's write side: queued frames and keepalive
// pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades an HTTP request and runs the connection's pumps.
func ServeWS(hub *Hub, dispatch rpc.DispatchFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sock, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Component("conn").Warn().Err(err).Msg("upgrade failed")
			return
		}
		c := newConn(hub, sock, dispatch)
		hub.Add(c)
		go c.writePump()
		go c.readPump()
	}
}
