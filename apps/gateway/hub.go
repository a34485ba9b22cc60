package main

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/presence"
)

// Hub maps presence handles to live websocket clients. It is the gateway's
// transport: events are encoded once per delivery and queued on the
// client's send channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[presence.Handle]*Client
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[presence.Handle]*Client),
		logger:  logger,
	}
}

func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c.handle] = c
	h.mu.Unlock()
}

// detach forgets the client and closes its send channel so the write pump
// sends a close frame and exits.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.clients[c.handle]; ok && cur == c {
		delete(h.clients, c.handle)
		close(c.send)
	}
}

// Deliver never blocks. A client whose buffer is full is disconnected; it
// reconciles from history when it comes back.
func (h *Hub) Deliver(handle presence.Handle, env model.Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("encode outbound event", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[handle]
	if !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
		h.logger.Warn("send buffer full, dropping connection", zap.String("user_id", c.userID), zap.String("handle", string(handle)))
		c.kick()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll drops every connection. Each read pump then disconnects its own
// session.
func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.kick()
	}
}
