package callsim

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const maxConcurrent = 500

// Status is the control API's view of the simulation
type Status struct {
	Running    bool       `json:"running"`
	Concurrent int        `json:"concurrent"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// API provides the HTTP control interface for the simulation
type API struct {
	status    Status
	mu        sync.RWMutex
	logger    zerolog.Logger
	startFunc func(int) error
	stopFunc  func() error
	statsFunc func() Stats
}

// NewAPI creates a new control API
func NewAPI(start func(int) error, stop func() error, stats func() Stats, logger zerolog.Logger) *API {
	return &API{
		startFunc: start,
		stopFunc:  stop,
		statsFunc: stats,
		logger:    logger.With().Str("component", "control_api").Logger(),
	}
}

// SetupRoutes configures HTTP routes
func (api *API) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.healthHandler).Methods("GET")
	router.HandleFunc("/status", api.statusHandler).Methods("GET")
	router.HandleFunc("/start", api.startHandler).Methods("POST")
	router.HandleFunc("/stop", api.stopHandler).Methods("POST")
	router.HandleFunc("/stats", api.statsHandler).Methods("GET")
}

func (api *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (api *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	api.mu.RLock()
	status := api.status
	api.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// startHandler starts the simulation
func (api *API) startHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Concurrent int `json:"concurrent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Concurrent <= 0 || req.Concurrent > maxConcurrent {
		http.Error(w, "concurrent must be between 1 and 500", http.StatusBadRequest)
		return
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if api.status.Running {
		http.Error(w, "simulation already running", http.StatusConflict)
		return
	}

	if err := api.startFunc(req.Concurrent); err != nil {
		api.logger.Error().Err(err).Msg("failed to start simulation")
		http.Error(w, "failed to start simulation", http.StatusInternalServerError)
		return
	}

	now := time.Now()
	api.status = Status{Running: true, Concurrent: req.Concurrent, StartedAt: &now}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message":    "simulation started",
		"concurrent": req.Concurrent,
	})
}

// stopHandler stops the simulation
func (api *API) stopHandler(w http.ResponseWriter, r *http.Request) {
	api.mu.Lock()
	defer api.mu.Unlock()
	if !api.status.Running {
		http.Error(w, "simulation not running", http.StatusConflict)
		return
	}

	if err := api.stopFunc(); err != nil {
		api.logger.Error().Err(err).Msg("failed to stop simulation")
		http.Error(w, "failed to stop simulation", http.StatusInternalServerError)
		return
	}
	api.status = Status{}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"message": "simulation stopped",
	})
}

func (api *API) statsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(api.statsFunc())
}

// Start serves the control API until ctx is cancelled
func (api *API) Start(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	api.SetupRoutes(router)

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		api.logger.Info().Msg("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	api.logger.Info().Str("addr", addr).Msg("control API started")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
