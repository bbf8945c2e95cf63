package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/greettech/recruitcall/internal/recording"
	"github.com/greettech/recruitcall/internal/storage"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// CallStore is the read side of the conversation store
type CallStore interface {
	Get(ctx context.Context, callID string) (*types.Conversation, error)
	ListRecent(ctx context.Context, limit int) ([]types.Conversation, error)
}

// CallsHandler provides REST endpoints for call documents and recordings
type CallsHandler struct {
	store   CallStore
	locator recording.Locator
	logger  zerolog.Logger
}

// NewCallsHandler creates a new CallsHandler
func NewCallsHandler(store CallStore, locator recording.Locator, logger zerolog.Logger) *CallsHandler {
	return &CallsHandler{
		store:   store,
		locator: locator,
		logger:  logger.With().Str("component", "calls_handler").Logger(),
	}
}

// List returns the most recent calls, newest first
// GET /api/calls?limit=N
func (h *CallsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	calls, err := h.store.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list calls")
		http.Error(w, "failed to retrieve calls", http.StatusInternalServerError)
		return
	}

	if calls == nil {
		calls = []types.Conversation{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(calls)
}

// Get returns one call document
// GET /api/calls/{callId}
func (h *CallsHandler) Get(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	if callID == "" {
		http.Error(w, "callId is required", http.StatusBadRequest)
		return
	}

	conv, err := h.store.Get(r.Context(), callID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "call not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to get call")
		http.Error(w, "failed to retrieve call", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(conv)
}

// Recording streams the call's audio
// GET /api/calls/{callId}/recording
func (h *CallsHandler) Recording(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	if callID == "" {
		http.Error(w, "callId is required", http.StatusBadRequest)
		return
	}

	name := recording.FileName(callID)
	conv, err := h.store.Get(r.Context(), callID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "call not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to get call")
		http.Error(w, "failed to retrieve call", http.StatusInternalServerError)
		return
	case conv.RecordingFile != "":
		name = conv.RecordingFile
	}

	rc, size, err := h.locator.Open(r.Context(), name)
	if errors.Is(err, recording.ErrNotMaterialized) {
		http.Error(w, "recording not available yet", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Str("call_id", callID).Str("recording", name).Msg("failed to open recording")
		http.Error(w, "failed to retrieve recording", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/mpeg")
	// local files support range requests for seeking in the player
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, modTime(conv), rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Debug().Err(err).Str("call_id", callID).Msg("recording stream interrupted")
	}
}

func modTime(conv *types.Conversation) time.Time {
	if conv.EndedAt != nil {
		return *conv.EndedAt
	}
	return conv.CreatedAt
}
