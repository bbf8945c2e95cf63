package websocket

import (
	"net/http"

	"github.com/greettech/recruitcall/internal/config"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// pipelineUpgrader is the WebSocket upgrader for speech pipeline connections
var pipelineUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Pipelines are internal services, not browsers
		return true
	},
}

// Handler handles WebSocket upgrade requests from speech pipelines
type Handler struct {
	hub      *Hub
	sessions Sessions
	config   *config.Config
	logger   zerolog.Logger
}

// NewHandler creates a new pipeline Handler
func NewHandler(hub *Hub, sessions Sessions, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		sessions: sessions,
		config:   cfg,
		logger:   logger.With().Str("component", "pipeline_handler").Logger(),
	}
}

// ServeHTTP upgrades the connection. The session starts with the first
// session_start message.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := pipelineUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade pipeline connection")
		return
	}

	client := NewClient(h.hub, h.sessions, conn, h.config, h.logger)
	if !h.hub.Register(client) {
		h.logger.Warn().Msg("rejecting pipeline connection during shutdown")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	client.Start()
}
