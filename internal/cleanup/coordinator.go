package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/greettech/recruitcall/internal/metrics"
	"github.com/greettech/recruitcall/internal/storage"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// StatusStore persists the terminal status
type StatusStore interface {
	TransitionStatus(ctx context.Context, callID string, from, to types.CallStatus, update types.StatusUpdate) (bool, error)
}

// LeadClearer releases the dialer's transient lead record
type LeadClearer interface {
	ClearLead(ctx context.Context, callID string) error
}

// RoomDeleter closes the telephony room
type RoomDeleter interface {
	DeleteRoom(ctx context.Context, room string) error
}

// Request describes one finalization
type Request struct {
	CallID string
	Room   string
	// KeepRoom skips room deletion, set when the room now belongs to a
	// transferred agent or was already deleted by end-call
	KeepRoom bool
}

// Outcome reports what a Cleanup call did
type Outcome struct {
	// Finalized is true for the caller whose run marked the call yet_to_evaluate
	Finalized bool
	// Duplicate is true when another trigger already ran or is running cleanup
	Duplicate bool
	Err       error
}

type entry struct {
	done    chan struct{}
	outcome Outcome
	at      time.Time
}

// Options tunes retries and bookkeeping
type Options struct {
	// RetryBase is the first backoff for persisting the terminal status
	RetryBase  time.Duration
	MaxRetries uint64
	// SideEffectTimeout bounds lead clearing and room deletion each
	SideEffectTimeout time.Duration
	// Retention is how long finished entries are remembered in-process
	Retention time.Duration
}

// DefaultOptions returns production settings
func DefaultOptions() Options {
	return Options{
		RetryBase:         200 * time.Millisecond,
		MaxRetries:        6,
		SideEffectTimeout: 5 * time.Second,
		Retention:         10 * time.Minute,
	}
}

// Coordinator finalizes a call exactly once. In-process duplicates wait for
// the first run; across processes the status compare-and-set decides.
type Coordinator struct {
	store   StatusStore
	leads   LeadClearer
	rooms   RoomDeleter
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewCoordinator(store StatusStore, leads LeadClearer, rooms RoomDeleter, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		leads:   leads,
		rooms:   rooms,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "cleanup").Logger(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Cleanup finalizes req.CallID. It returns after the terminal status has
// been persisted (or given up on), so the evaluation worker can see it.
func (c *Coordinator) Cleanup(ctx context.Context, req Request) Outcome {
	c.mu.Lock()
	c.prune()
	if e, ok := c.entries[req.CallID]; ok {
		c.mu.Unlock()
		select {
		case <-e.done:
		case <-ctx.Done():
		}
		return Outcome{Duplicate: true}
	}
	e := &entry{done: make(chan struct{})}
	c.entries[req.CallID] = e
	c.mu.Unlock()

	// Finalization must finish even if the triggering context is cancelled
	e.outcome = c.run(context.WithoutCancel(ctx), req)
	e.at = c.now()
	close(e.done)
	return e.outcome
}

func (c *Coordinator) run(ctx context.Context, req Request) Outcome {
	log := c.logger.With().Str("call_id", req.CallID).Str("room", req.Room).Logger()

	finalized, err := c.persistTerminal(ctx, req.CallID)
	switch {
	case err == nil && !finalized:
		// Already terminal: some other process owns the side effects
		log.Info().Msg("call already finalized")
		c.metrics.RecordCleanup("already_finalized")
		return Outcome{Duplicate: true}
	case errors.Is(err, storage.ErrNotFound):
		log.Warn().Msg("no conversation document to finalize")
		err = nil
	case err != nil:
		log.Error().Err(err).Bool("evaluation_blocked", true).Msg("failed to persist terminal status")
	}

	c.clearLead(ctx, req.CallID, log)
	if !req.KeepRoom {
		c.deleteRoom(ctx, req.Room, log)
	}

	if err != nil {
		c.metrics.RecordCleanup("persist_failed")
	} else {
		c.metrics.RecordCleanup("ok")
	}
	log.Info().Bool("finalized", finalized).Msg("cleanup complete")
	return Outcome{Finalized: finalized, Err: err}
}

func (c *Coordinator) persistTerminal(ctx context.Context, callID string) (bool, error) {
	ended := c.now().UTC()
	update := types.StatusUpdate{EndedAt: &ended}

	b := retry.NewExponential(c.opts.RetryBase)
	b = retry.WithMaxRetries(c.opts.MaxRetries, b)
	b = retry.WithCappedDuration(5*time.Second, b)

	var finalized bool
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		ok, err := c.store.TransitionStatus(ctx, callID, types.CallStatusActive, types.CallStatusYetToEvaluate, update)
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("call_id", callID).Msg("retrying terminal status write")
			return retry.RetryableError(err)
		}
		finalized = ok
		return nil
	})
	return finalized, err
}

func (c *Coordinator) clearLead(ctx context.Context, callID string, log zerolog.Logger) {
	if c.leads == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.SideEffectTimeout)
	defer cancel()
	if err := c.leads.ClearLead(ctx, callID); err != nil {
		log.Debug().Err(err).Msg("lead clear failed")
	}
}

func (c *Coordinator) deleteRoom(ctx context.Context, room string, log zerolog.Logger) {
	if c.rooms == nil || room == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.SideEffectTimeout)
	defer cancel()
	if err := c.rooms.DeleteRoom(ctx, room); err != nil {
		// the room may already be gone
		log.Warn().Err(err).Msg("room deletion failed")
	}
}

// prune drops finished entries older than the retention window. Caller holds mu.
func (c *Coordinator) prune() {
	cutoff := c.now().Add(-c.opts.Retention)
	for id, e := range c.entries {
		select {
		case <-e.done:
			if e.at.Before(cutoff) {
				delete(c.entries, id)
			}
		default:
		}
	}
}
