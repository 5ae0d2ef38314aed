// Package websocket carries the RPC wire over gorilla/websocket: one
// read pump parses requests, one write pump drains the per-connection
// queue, and the hub fans events out to every interested connection.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"loom/internal/gateway/rpc"
	"loom/pkg/logger"
)

// DefaultQueueSize bounds each connection's outbound event queue. A
// connection that lets its queue fill is dropped rather than stalling
// the emitters.
const DefaultQueueSize = 1024

type envelope struct {
	session string
	data    []byte
}

// Hub owns the connection set and delivers events. It implements the
// runner's Publisher contract: Publish never blocks on a slow consumer.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	register     chan *Conn
	unregister   chan *Conn
	broadcast    chan envelope
	done         chan struct{}
	queueSize    int
	onDisconnect func(connID string)
	log          zerolog.Logger
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithQueueSize overrides each connection's outbound queue length.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithDisconnectHandler runs fn after a connection leaves the hub, with
// the hub's lock released. The gateway uses it to drop client records.
func WithDisconnectHandler(fn func(connID string)) HubOption {
	return func(h *Hub) { h.onDisconnect = fn }
}

// NewHub builds a hub; Run must be started before connections attach.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		conns:      make(map[string]*Conn),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan envelope, 256),
		done:       make(chan struct{}),
		queueSize:  DefaultQueueSize,
		log:        *logger.Component("hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the connection set until ctx is cancelled. All map mutations
// happen on this goroutine; readers go through the mutex.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, c := range h.conns {
				c.close()
			}
			h.conns = make(map[string]*Conn)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.conns[c.id] = c
			h.mu.Unlock()
			h.log.Info().Str("conn", c.id).Msg("connection opened")

		case c := <-h.unregister:
			h.drop(c, "closed")

		case env := <-h.broadcast:
			h.deliver(env)
		}
	}
}

// deliver fans one event out. Connections that cannot take the event are
// slow consumers and get dropped after the sweep.
func (h *Hub) deliver(env envelope) {
	var slow []*Conn
	h.mu.RLock()
	for _, c := range h.conns {
		if !c.wants(env.session) {
			continue
		}
		if !c.enqueue(env.data) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.drop(c, "slow consumer")
	}
}

// drop removes a connection. Safe to call twice; only the first takes
// effect.
func (h *Hub) drop(c *Conn, reason string) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	if present {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()

	if !present {
		return
	}
	c.close()
	h.log.Info().Str("conn", c.id).Str("reason", reason).Msg("connection dropped")
	if h.onDisconnect != nil {
		h.onDisconnect(c.id)
	}
}

// Add attaches a connection to the hub.
func (h *Hub) Add(c *Conn) {
	select {
	case h.register <- c:
	case <-h.done:
		c.close()
	}
}

// Remove detaches a connection from the hub.
func (h *Hub) Remove(c *Conn) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Publish implements the event fan-out: the event is stamped, serialized
// once, and queued to every connection interested in its session.
// Publishing after shutdown is a no-op.
func (h *Hub) Publish(sessionID, eventType string, data any) {
	ev := &rpc.Event{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("event not serializable")
		return
	}

	select {
	case h.broadcast <- envelope{session: sessionID, data: payload}:
	case <-h.done:
	}
}

// SetFilter narrows which sessions a connection receives events for. An
// empty list restores the default: all sessions.
func (h *Hub) SetFilter(connID string, sessions []string) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		c.setFilter(sessions)
	}
}

// ConnCount returns the number of attached connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
