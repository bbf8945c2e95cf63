package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/greettech/recruitcall/internal/api"
	"github.com/greettech/recruitcall/internal/auth"
	"github.com/greettech/recruitcall/internal/cleanup"
	"github.com/greettech/recruitcall/internal/config"
	"github.com/greettech/recruitcall/internal/escalation"
	"github.com/greettech/recruitcall/internal/evaluation"
	"github.com/greettech/recruitcall/internal/leadapi"
	"github.com/greettech/recruitcall/internal/metrics"
	"github.com/greettech/recruitcall/internal/recording"
	"github.com/greettech/recruitcall/internal/script"
	"github.com/greettech/recruitcall/internal/session"
	"github.com/greettech/recruitcall/internal/storage"
	"github.com/greettech/recruitcall/internal/telephony"
	"github.com/greettech/recruitcall/internal/transfer"
	"github.com/greettech/recruitcall/internal/websocket"
	"github.com/greettech/recruitcall/pkg/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Configure logger
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Str("log_level", cfg.LogLevel).
		Str("store_backend", cfg.StoreBackend).
		Msg("starting recruitcall orchestrator")

	// Create context for services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New("recruitcall")

	store, err := storage.NewStore(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open conversation store")
	}

	steps := loadScript(ctx, cfg)

	locator, err := newLocator(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure recording locator")
	}

	// External collaborators
	leads := leadapi.NewClient(cfg.LeadAPIURL, nil, cfg.LeadLookupTimeout, cfg.AgentLookupTimeout, log.Logger)
	rooms := telephony.NewClient(telephony.Config{
		URL:              cfg.LiveKitURL,
		APIKey:           cfg.LiveKitAPIKey,
		APISecret:        cfg.LiveKitAPISecret,
		SIPTrunkID:       cfg.SIPTrunkID,
		TransferNumber:   cfg.SIPTransferNumber,
		FilepathTemplate: cfg.EgressFilepathTemplate,
	}, nil, log.Logger)

	// Coordinators
	recorder := recording.NewCoordinator(rooms, store, cfg.RecordingStartTimeout, m, log.Logger)
	transferer := transfer.NewCoordinator(leads, rooms, transfer.Options{
		DialTimeout:   cfg.TransferTimeout,
		AnnounceDelay: cfg.TransferAnnounceDelay,
		SettleDelay:   cfg.TransferSettleDelay,
	}, m, log.Logger)
	cleaner := cleanup.NewCoordinator(store, leads, rooms, cleanup.DefaultOptions(), m, log.Logger)

	manager := session.NewManager(session.Deps{
		Store:           store,
		Leads:           leads,
		Script:          steps,
		Transfer:        transferer,
		Recorder:        recorder,
		Cleanup:         cleaner,
		Rooms:           rooms,
		Metrics:         m,
		ReconnectWindow: cfg.ReconnectWindow,
	}, cfg.ReconnectGrace, log.Logger)

	// Pipeline link
	hub := websocket.NewHub(m, log.Logger)
	go hub.Run(ctx)
	wsHandler := websocket.NewHandler(hub, manager, cfg, log.Logger)

	// Evaluation worker
	startEvaluationWorker(ctx, cfg, store, locator, m)

	authenticator, err := auth.NewAuthenticator(ctx, auth.Options{
		SkipAuth: cfg.SkipAuth,
		Issuer:   cfg.OIDCIssuer,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize authentication")
	}

	callsHandler := api.NewCallsHandler(store, locator, log.Logger)
	actionsHandler := api.NewCallActionsHandler(manager, log.Logger)

	// Create router
	r := chi.NewRouter()

	// Add middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Observe(log.Logger, m))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Register public routes (no auth required)
	r.Get("/health", healthHandler)
	r.Handle("/metrics", m.Handler())

	// Internal routes (no auth - the speech pipeline runs next to us)
	r.Get("/ws/pipeline", wsHandler.ServeHTTP)

	// Add auth middleware for protected routes
	r.Route("/api", func(r chi.Router) {
		r.Use(authenticator.Middleware)
		r.Get("/calls", callsHandler.List)
		r.Get("/calls/{callId}", callsHandler.Get)
		r.Get("/calls/{callId}/recording", callsHandler.Recording)
		r.Get("/sessions", actionsHandler.LiveCount)
		r.With(auth.RequireRole(auth.RoleAdmin, auth.RoleSupervisor)).
			Post("/calls/{callId}/end", actionsHandler.ForceEndCall)
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Msgf("server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting requests; pipeline websockets are hijacked and stay up
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	// Finalize live calls so the evaluator sees them
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sessions did not finish cleanup")
	}

	// Stop hub and evaluation worker
	cancel()
	recorder.Wait()

	if err := store.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to close conversation store")
	}

	log.Info().Msg("server stopped")
}

// loadScript reads the steps from Redis, falling back to the stock script
func loadScript(ctx context.Context, cfg *config.Config) *script.Script {
	var repo script.Repository = script.StaticRepository{Steps: script.DefaultSteps}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		repo = script.NewRedisRepository(client, cfg.ScriptMaxSteps, log.Logger)
	}

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	steps, err := repo.Load(loadCtx)
	if err != nil {
		log.Warn().Err(err).Msg("script repository unavailable, using the default script")
		return script.New(script.DefaultSteps)
	}
	return steps
}

// newLocator resolves recordings on S3 when a bucket is configured, else on
// the local recordings directory
func newLocator(ctx context.Context, cfg *config.Config) (recording.Locator, error) {
	if cfg.RecordingsS3Bucket == "" {
		log.Info().Str("dir", cfg.RecordingsDir).Msg("reading recordings from local directory")
		return recording.DirLocator{Dir: cfg.RecordingsDir}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	log.Info().
		Str("bucket", cfg.RecordingsS3Bucket).
		Str("prefix", cfg.RecordingsS3Prefix).
		Msg("reading recordings from S3")
	return recording.S3Locator{
		Client: s3.NewFromConfig(awsCfg),
		Bucket: cfg.RecordingsS3Bucket,
		Prefix: cfg.RecordingsS3Prefix,
	}, nil
}

func startEvaluationWorker(ctx context.Context, cfg *config.Config, store storage.Store, locator recording.Locator, m *metrics.Metrics) {
	if cfg.GeminiAPIKey == "" {
		log.Warn().Msg("GEMINI_API_KEY not set, evaluation worker disabled")
		return
	}

	evaluator, err := evaluation.NewGeminiEvaluator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create evaluator")
	}

	var escalator evaluation.Escalator
	if cfg.EscalationURL != "" {
		escalator = escalation.NewClient(cfg.EscalationURL, nil, log.Logger)
	} else {
		log.Warn().Msg("ESCALATION_URL not set, hot leads will not be escalated")
	}

	worker := evaluation.NewWorker(store, locator, evaluator, escalator, evaluation.Options{
		Interval:      cfg.EvalInterval,
		MinMessages:   cfg.EvalMinTurns,
		BatchSize:     cfg.EvalBatchSize,
		Concurrency:   cfg.EvalConcurrency,
		RatePerSecond: cfg.EvalRatePerSecond,
		RecordingWait: cfg.EvalRecordingWait,
	}, m, log.Logger)
	go worker.Start(ctx)
}

// healthHandler handles health check requests
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","service":"recruitcall"}`)
}
