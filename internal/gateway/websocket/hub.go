// Package websocket fans the internal event bus out to WebSocket
// subscribers. The gateway is broadcast-only: clients receive every event
// envelope and re-query REST to reconcile after a reconnect.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/squadlite/squadlite/internal/common/logger"
	"github.com/squadlite/squadlite/internal/events"
	"github.com/squadlite/squadlite/internal/events/bus"
)

// Envelope is the JSON frame every subscriber receives.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

// Hub manages all WebSocket client connections and broadcasts event
// envelopes to every one of them.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub. Call Run before registering clients.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
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
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcast:
			h.fanOut(frame)
		}
	}
}

// Broadcast queues one event envelope for every connected client.
func (h *Hub) Broadcast(envelope *Envelope) {
	frame, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("Failed to marshal envelope", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- frame:
	default:
		h.logger.Warn("Broadcast queue full, dropping event", zap.String("type", envelope.Type))
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

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// AttachBus subscribes the hub to every event subject and forwards each
// bus event to all clients as a wire envelope.
func (h *Hub) AttachBus(eventBus bus.EventBus) error {
	for _, subject := range events.All {
		if _, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
			h.Broadcast(&Envelope{
				Type:      event.Type,
				Data:      event.Data,
				Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			})
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) fanOut(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- frame:
		default:
			// Client buffer full, the write pump will clean up.
		}
	}
}
