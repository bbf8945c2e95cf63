package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/greettech/recruitcall/internal/callsim"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// App owns the running simulation so the control API can restart it
type App struct {
	simulator *callsim.Simulator
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex
	logger    zerolog.Logger
}

func main() {
	var (
		controlPort = flag.String("control-port", "8081", "Control API port")
		backendURL  = flag.String("backend-url", "http://localhost:8080", "Orchestrator URL")
		concurrent  = flag.Int("concurrent", 0, "Start this many concurrent calls immediately")
		turns       = flag.Int("turns", 6, "Caller turns per call before the ending")
		pause       = flag.Duration("pause", 500*time.Millisecond, "Simulated speaking time per turn")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	logger := log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Str("service", "callsim").
		Logger()

	caller := callsim.NewCaller(*backendURL, logger)
	app := &App{
		simulator: callsim.NewSimulator(caller, callsim.DefaultMix, *turns, *pause, logger),
		logger:    logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := callsim.NewAPI(app.start, app.stop, app.simulator.GetStats, logger)
	go func() {
		if err := api.Start(ctx, ":"+*controlPort); err != nil {
			logger.Error().Err(err).Msg("control API stopped")
		}
	}()

	if *concurrent > 0 {
		if err := app.start(*concurrent); err != nil {
			logger.Error().Err(err).Msg("failed to auto-start simulation")
		}
	}

	logger.Info().
		Str("control_api", fmt.Sprintf("http://localhost:%s", *controlPort)).
		Str("backend_url", *backendURL).
		Msg("callsim ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down callsim")
	app.stop()
	cancel()
}

func (app *App) start(concurrent int) error {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.cancel != nil {
		return fmt.Errorf("simulation already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	app.cancel, app.done = cancel, done
	go func() {
		defer close(done)
		app.simulator.Start(ctx, concurrent)
	}()
	return nil
}

// stop cancels the running calls and waits for them to hang up
func (app *App) stop() error {
	app.mu.Lock()
	cancel, done := app.cancel, app.done
	app.cancel, app.done = nil, nil
	app.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}
