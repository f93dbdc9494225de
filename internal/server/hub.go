package server

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client is the one connected socket session.
type Client struct {
	ID   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// Send writes msg to the client. Writes are serialized per connection.
func (c *Client) Send(msg Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Hub holds at most one client at a time.
type Hub struct {
	mu     sync.Mutex
	active *Client
	log    *logrus.Entry
}

// NewHub creates an empty Hub.
func NewHub(log *logrus.Entry) *Hub {
	return &Hub{log: log}
}

// Claim makes c the active client. It fails if another client holds the slot.
func (h *Hub) Claim(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active != nil {
		return false
	}
	h.active = c
	h.log.WithField("session", c.ID).Info("WebSocket client connected, external mode enabled")
	return true
}

// Release frees the slot if c still holds it.
func (h *Hub) Release(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == c {
		h.active = nil
		h.log.WithField("session", c.ID).Info("WebSocket client disconnected, external mode disabled")
	}
}

// Active returns the connected client, or nil.
func (h *Hub) Active() *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Broadcast sends a message to the connected client, if any.
func (h *Hub) Broadcast(msg Message) {
	c := h.Active()
	if c == nil {
		return
	}
	if err := c.Send(msg); err != nil {
		h.log.WithError(err).Warn("broadcast error")
		c.conn.Close()
	}
}
