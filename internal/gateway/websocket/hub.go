// Package websocket fans engine bus events out to connected websocket
// clients. It is the ops tap: connect to /ws/events, optionally narrow
// the subject pattern, and watch the engine work.
package websocket

import (
	"context"
	"sync"

	"github.com/chiefd/chiefd/internal/common/logger"
	"go.uber.org/zap"
)

// frame is one marshaled event on its way to matching clients.
type frame struct {
	subject string
	data    []byte
}

// Hub manages all websocket client connections.
type Hub struct {
	clients map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for fanning out events
	broadcast chan frame

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new websocket hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered",
				zap.String("client_id", client.ID),
				zap.String("subject", client.filter.Pattern()))

		case client := <-h.unregister:
			h.removeClient(client)

		case f := <-h.broadcast:
			h.broadcastFrame(f)
		}
	}
}

// closeAllClients closes all client connections.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// removeClient removes a client from the hub.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastFrame sends a frame to every client whose filter matches its
// subject.
func (h *Hub) broadcastFrame(f frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.filter.Matches(f.subject) {
			continue
		}
		select {
		case client.send <- f.data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast fans a marshaled event out to every client whose subject
// filter matches.
func (h *Hub) Broadcast(subject string, data []byte) {
	h.broadcast <- frame{subject: subject, data: data}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
