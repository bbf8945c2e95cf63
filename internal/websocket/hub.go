package websocket

import (
	"context"
	"sync"

	"github.com/greettech/recruitcall/internal/metrics"
	"github.com/rs/zerolog"
)

// Hub tracks the live pipeline connections
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Register requests from the handler
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// quit is closed when Run returns
	quit chan struct{}

	// Mutex to protect clients map
	mu sync.RWMutex

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewHub creates a new Hub
func NewHub(m *metrics.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		quit:       make(chan struct{}),
		metrics:    m,
		logger:     logger.With().Str("component", "pipeline_hub").Logger(),
	}
}

// Run starts the hub's main loop. On context cancellation every remaining
// connection is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.RecordWebSocketConnect()
			h.logger.Info().
				Str("client_id", client.id).
				Int("total_clients", total).
				Msg("pipeline connected")

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// Register adds a client. It returns false once the hub stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}
	client.Close()
	h.metrics.RecordWebSocketDisconnect()
	h.logger.Info().
		Str("client_id", client.id).
		Int("total_clients", total).
		Msg("pipeline disconnected")
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.Close()
	}
}

// ClientCount returns the number of connected pipelines
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
