package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/greettech/recruitcall/internal/auth"
	"github.com/greettech/recruitcall/internal/session"
	"github.com/rs/zerolog"
)

// Sessions is the live-call registry
type Sessions interface {
	EndCall(ctx context.Context, callID string) (string, error)
	Active() int
}

// CallActionsHandler provides REST endpoints for live call control
type CallActionsHandler struct {
	sessions Sessions
	logger   zerolog.Logger
}

// NewCallActionsHandler creates a new CallActionsHandler
func NewCallActionsHandler(sessions Sessions, logger zerolog.Logger) *CallActionsHandler {
	return &CallActionsHandler{
		sessions: sessions,
		logger:   logger.With().Str("component", "call_actions").Logger(),
	}
}

// ForceEndCall handles POST /api/calls/{callId}/end
func (h *CallActionsHandler) ForceEndCall(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	if callID == "" {
		http.Error(w, "callId is required", http.StatusBadRequest)
		return
	}

	result, err := h.sessions.EndCall(r.Context(), callID)
	if errors.Is(err, session.ErrSessionNotFound) || errors.Is(err, session.ErrSessionTerminated) {
		http.Error(w, "call is not live", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to end call")
		http.Error(w, "failed to end call", http.StatusInternalServerError)
		return
	}

	by := ""
	if claims, ok := auth.GetUserFromContext(r.Context()); ok {
		by = claims.Email
	}
	h.logger.Info().
		Str("call_id", callID).
		Str("by", by).
		Msg("force-ended call via API")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": result,
		"callId":  callID,
	})
}

// LiveCount handles GET /api/sessions
func (h *CallActionsHandler) LiveCount(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"active": h.sessions.Active()})
}
