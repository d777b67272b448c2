package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukerupert/ridealong/internal/push"
)

// Server to client message types.
const (
	TypePush              = "push"
	TypeNotificationsSync = "notifications_sync"
	TypeError             = "error"
)

// Message is the envelope for everything the server writes to a socket.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Hub tracks open sockets per identity and delivers foreground pushes.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub under its identity.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
		}
	}
	h.mu.Unlock()
	c.close()
}

// Deliver writes a push message to every open socket of userID. It has the
// push.Channel signature and returns push.ErrUnavailable when no socket
// accepted the message.
func (h *Hub) Deliver(_ context.Context, userID string, n push.Notification) error {
	data, err := json.Marshal(Message{Type: TypePush, Payload: n})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	if h.SendTo(userID, data) == 0 {
		return push.ErrUnavailable
	}
	return nil
}

// SendTo queues data on each of userID's sockets and returns how many
// accepted it. Full buffers drop the message.
func (h *Hub) SendTo(userID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for c := range h.clients[userID] {
		if c.enqueue(data) {
			sent++
		}
	}
	return sent
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// Connected reports whether userID has at least one open socket.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}
