package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/greettech/recruitcall/internal/metrics"
	"github.com/greettech/recruitcall/internal/recording"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Store is the subset of the conversation store the worker uses
type Store interface {
	Get(ctx context.Context, callID string) (*types.Conversation, error)
	ListByStatus(ctx context.Context, status types.CallStatus, limit int) ([]types.Conversation, error)
	ListPendingEscalations(ctx context.Context, maxAttempts, limit int) ([]types.Conversation, error)
	TransitionStatus(ctx context.Context, callID string, from, to types.CallStatus, update types.StatusUpdate) (bool, error)
	ClaimEscalation(ctx context.Context, callID string, observed *time.Time, at time.Time) (bool, error)
	SetEscalation(ctx context.Context, callID string, escalatedAt *time.Time, escalationErr string) error
}

// Escalator hands a hot lead back to the human queue
type Escalator interface {
	Escalate(ctx context.Context, lead types.HotLead) error
}

// Options tunes the polling loop
type Options struct {
	Interval time.Duration
	// MinMessages is the shortest transcript worth evaluating
	MinMessages   int
	BatchSize     int
	Concurrency   int
	RatePerSecond float64
	// EvalTimeout bounds one evaluator call
	EvalTimeout time.Duration
	// RecordingWait is how long after the call ended a missing or unreadable
	// recording is retried before the call is marked failed_error
	RecordingWait time.Duration

	// EscalationRetries and EscalationBackoff bound the retries of one
	// escalation attempt
	EscalationRetries uint64
	EscalationBackoff time.Duration
	// MaxEscalationAttempts caps how many cycles retry a failed escalation
	MaxEscalationAttempts int
	// EscalationClaimTTL is how long a claim blocks other workers before it
	// counts as abandoned
	EscalationClaimTTL time.Duration
}

// Stats summarizes one cycle
type Stats struct {
	Candidates int
	Completed  int
	Skipped    int
	Failed     int
	Pending    int
	Escalated  int
}

type outcome int

const (
	outcomePending outcome = iota
	// outcomeWaiting means the recording has not shown up yet
	outcomeWaiting
	outcomeSkipped
	outcomeCompleted
	outcomeFailed
)

// Worker polls for finished calls and evaluates them
type Worker struct {
	store     Store
	locator   recording.Locator
	evaluator Evaluator
	escalator Escalator
	limiter   *rate.Limiter
	opts      Options
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu sync.Mutex
	// waiting holds the calls the last cycle left waiting for a recording
	waiting map[string]struct{}
}

// NewWorker creates an evaluation Worker
func NewWorker(store Store, locator recording.Locator, evaluator Evaluator, escalator Escalator, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Worker {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.MinMessages <= 0 {
		opts.MinMessages = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.EvalTimeout <= 0 {
		opts.EvalTimeout = 2 * time.Minute
	}
	if opts.RecordingWait <= 0 {
		opts.RecordingWait = 30 * time.Minute
	}
	if opts.EscalationRetries == 0 {
		opts.EscalationRetries = 3
	}
	if opts.EscalationBackoff <= 0 {
		opts.EscalationBackoff = 500 * time.Millisecond
	}
	if opts.MaxEscalationAttempts <= 0 {
		opts.MaxEscalationAttempts = 5
	}
	if opts.EscalationClaimTTL <= 0 {
		opts.EscalationClaimTTL = 5 * time.Minute
	}
	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &Worker{
		store:     store,
		locator:   locator,
		evaluator: evaluator,
		escalator: escalator,
		limiter:   rate.NewLimiter(limit, 1),
		opts:      opts,
		metrics:   m,
		logger:    logger.With().Str("component", "evaluation_worker").Logger(),
		now:       time.Now,
		waiting:   make(map[string]struct{}),
	}
}

// Start runs the polling loop until ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.opts.Interval).Msg("evaluation worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("evaluation worker stopped")
			return

		case <-ticker.C:
			stats, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error().Err(err).Msg("evaluation cycle failed")
				continue
			}
			if stats.Candidates > 0 || stats.Escalated > 0 {
				w.logger.Info().
					Int("candidates", stats.Candidates).
					Int("completed", stats.Completed).
					Int("skipped", stats.Skipped).
					Int("failed", stats.Failed).
					Int("pending", stats.Pending).
					Int("escalated", stats.Escalated).
					Msg("evaluation cycle complete")
			}
		}
	}
}

// RunOnce retries failed escalations, then evaluates one batch of
// yet_to_evaluate calls. A failure on one document never stops the others.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	retried := w.retryEscalations(ctx)

	// calls still waiting for their recording do not use up the batch
	docs, err := w.store.ListByStatus(ctx, types.CallStatusYetToEvaluate, w.opts.BatchSize+len(w.waiting))
	if err != nil {
		return Stats{Escalated: retried}, fmt.Errorf("failed to list calls: %w", err)
	}

	results := make([]outcome, len(docs))
	escalated := make([]bool, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i := range docs {
		g.Go(func() error {
			results[i], escalated[i] = w.process(gctx, &docs[i])
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{Candidates: len(docs), Escalated: retried}
	waiting := make(map[string]struct{})
	for i, r := range results {
		switch r {
		case outcomeCompleted:
			stats.Completed++
		case outcomeSkipped:
			stats.Skipped++
		case outcomeFailed:
			stats.Failed++
		case outcomeWaiting:
			waiting[docs[i].CallID] = struct{}{}
			stats.Pending++
		default:
			stats.Pending++
		}
		if escalated[i] {
			stats.Escalated++
		}
	}
	w.waiting = waiting
	return stats, nil
}

// process handles one document and converts any panic into failed_error
func (w *Worker) process(ctx context.Context, conv *types.Conversation) (res outcome, escalated bool) {
	log := w.logger.With().Str("call_id", conv.CallID).Logger()
	start := w.now()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("evaluation panicked")
			w.fail(ctx, conv.CallID, "", fmt.Errorf("panic: %v", r), log)
			res, escalated = outcomeFailed, false
		}
	}()

	if strings.TrimSpace(conv.Name) == "" || len(conv.Messages) == 0 {
		w.skip(ctx, conv.CallID, types.CallStatusSkippedMissingData, log)
		return outcomeSkipped, false
	}
	if len(conv.Messages) < w.opts.MinMessages {
		w.skip(ctx, conv.CallID, types.CallStatusSkippedTooShort, log)
		return outcomeSkipped, false
	}

	if conv.RecordingError != "" {
		w.fail(ctx, conv.CallID, "", fmt.Errorf("recording never started: %s", conv.RecordingError), log)
		w.metrics.RecordEvaluation("failed", 0)
		return outcomeFailed, false
	}

	name := conv.RecordingFile
	if name == "" {
		name = recording.FileName(conv.CallID)
	}
	ready, err := w.locator.Exists(ctx, name)
	if err == nil && !ready {
		return w.awaitRecording(ctx, conv, name, nil, log), false
	}
	var audio []byte
	if err == nil {
		audio, err = recording.ReadAll(ctx, w.locator, name)
	}
	if errors.Is(err, recording.ErrNotMaterialized) {
		return w.awaitRecording(ctx, conv, name, nil, log), false
	}
	if err != nil {
		return w.awaitRecording(ctx, conv, name, err, log), false
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return outcomePending, false
	}

	evalCtx, cancel := context.WithTimeout(ctx, w.opts.EvalTimeout)
	raw, err := w.evaluator.Evaluate(evalCtx, audio, "audio/mpeg")
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			// shutting down, not the document's fault
			return outcomePending, false
		}
		w.fail(ctx, conv.CallID, raw, err, log)
		w.metrics.RecordEvaluation("failed", w.now().Sub(start))
		return outcomeFailed, false
	}

	evaluation, err := Parse(raw)
	if err != nil {
		w.fail(ctx, conv.CallID, raw, err, log)
		w.metrics.RecordEvaluation("failed", w.now().Sub(start))
		return outcomeFailed, false
	}

	hot := evaluation.HotLead()
	evaluatedAt := w.now().UTC()
	won, err := w.store.TransitionStatus(ctx, conv.CallID, types.CallStatusYetToEvaluate, types.CallStatusCompleted, types.StatusUpdate{
		Evaluation:  evaluation,
		HotLead:     hot,
		EvaluatedAt: &evaluatedAt,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to persist evaluation")
		return outcomePending, false
	}
	if !won {
		log.Info().Msg("call evaluated by another worker")
		return outcomePending, false
	}

	w.metrics.RecordEvaluation("completed", w.now().Sub(start))
	log.Info().
		Str("sentiment", evaluation.Sentiment).
		Float64("interest_level", evaluation.InterestLevel).
		Bool("hot_lead", hot).
		Msg("call evaluated")

	if !hot {
		return outcomeCompleted, false
	}
	return outcomeCompleted, w.escalate(ctx, conv, log)
}

// awaitRecording keeps the call for the next cycle until RecordingWait has
// passed since it ended, then marks it failed_error
func (w *Worker) awaitRecording(ctx context.Context, conv *types.Conversation, name string, cause error, log zerolog.Logger) outcome {
	ended := conv.CreatedAt
	if conv.EndedAt != nil {
		ended = *conv.EndedAt
	}
	if !ended.IsZero() && w.now().Sub(ended) > w.opts.RecordingWait {
		if cause == nil {
			cause = fmt.Errorf("recording %s never materialized", name)
		} else {
			cause = fmt.Errorf("recording %s unreadable: %w", name, cause)
		}
		w.fail(ctx, conv.CallID, "", fmt.Errorf("gave up after %s: %w", w.opts.RecordingWait, cause), log)
		w.metrics.RecordEvaluation("failed", 0)
		return outcomeFailed
	}

	if cause != nil {
		log.Warn().Err(cause).Str("recording", name).Msg("recording unreadable, retrying next cycle")
	} else {
		log.Debug().Str("recording", name).Msg("recording not materialized yet, retrying next cycle")
	}
	return outcomeWaiting
}

// retryEscalations sends the hot leads whose escalation failed in an earlier
// cycle or whose claim was abandoned
func (w *Worker) retryEscalations(ctx context.Context) int {
	if w.escalator == nil {
		return 0
	}
	leads, err := w.store.ListPendingEscalations(ctx, w.opts.MaxEscalationAttempts, w.opts.BatchSize)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to list pending escalations")
		return 0
	}

	abandoned := w.now().Add(-w.opts.EscalationClaimTTL)
	n := 0
	for i := range leads {
		conv := &leads[i]
		if conv.EscalationClaimedAt != nil && conv.EscalationClaimedAt.After(abandoned) {
			continue
		}
		log := w.logger.With().
			Str("call_id", conv.CallID).
			Int("attempt", conv.EscalationAttempts+1).
			Logger()
		if w.escalate(ctx, conv, log) {
			n++
		}
	}
	return n
}

// escalate claims the lead, then calls the escalation endpoint with a bounded
// backoff. Only the claim holder calls out, so a lead reaches the queue once.
func (w *Worker) escalate(ctx context.Context, conv *types.Conversation, log zerolog.Logger) bool {
	if w.escalator == nil || w.parentEscalated(ctx, conv, log) {
		return false
	}

	won, err := w.store.ClaimEscalation(ctx, conv.CallID, conv.EscalationClaimedAt, w.now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("failed to claim escalation")
		return false
	}
	if !won {
		log.Debug().Msg("escalation claimed by another worker")
		return false
	}

	lead := types.HotLead{CallID: conv.CallID, FirstName: conv.Name, Phone: conv.PhoneNo}

	b := retry.NewExponential(w.opts.EscalationBackoff)
	b = retry.WithMaxRetries(w.opts.EscalationRetries, b)
	b = retry.WithCappedDuration(5*time.Second, b)

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := w.escalator.Escalate(ctx, lead); err != nil {
			log.Warn().Err(err).Msg("retrying hot lead escalation")
			return retry.RetryableError(err)
		}
		return nil
	})

	var (
		at     *time.Time
		errStr string
	)
	if err != nil {
		log.Error().Err(err).Msg("hot lead escalation failed, retrying next cycle")
		w.metrics.RecordEscalation("error")
		errStr = err.Error()
	} else {
		now := w.now().UTC()
		at = &now
		w.metrics.RecordEscalation("ok")
		log.Info().Str("phone_no", conv.PhoneNo).Msg("hot lead escalated")
	}

	if serr := w.store.SetEscalation(ctx, conv.CallID, at, errStr); serr != nil {
		log.Warn().Err(serr).Msg("failed to record escalation")
	}
	return err == nil
}

// parentEscalated reports whether the call this one resumed already put the
// candidate in the queue, and marks this call escalated with it
func (w *Worker) parentEscalated(ctx context.Context, conv *types.Conversation, log zerolog.Logger) bool {
	if conv.ResumedFrom == "" {
		return false
	}
	parent, err := w.store.Get(ctx, conv.ResumedFrom)
	if err != nil || parent.EscalatedAt == nil {
		return false
	}

	log.Info().Str("resumed_from", parent.CallID).Msg("candidate already escalated from the resumed call")
	if err := w.store.SetEscalation(ctx, conv.CallID, parent.EscalatedAt, ""); err != nil {
		log.Warn().Err(err).Msg("failed to record escalation")
	}
	return true
}

func (w *Worker) skip(ctx context.Context, callID string, status types.CallStatus, log zerolog.Logger) {
	evaluatedAt := w.now().UTC()
	if _, err := w.store.TransitionStatus(ctx, callID, types.CallStatusYetToEvaluate, status, types.StatusUpdate{EvaluatedAt: &evaluatedAt}); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to mark call skipped")
		return
	}
	w.metrics.RecordEvaluation(string(status), 0)
	log.Info().Str("status", string(status)).Msg("call skipped")
}

func (w *Worker) fail(ctx context.Context, callID, raw string, cause error, log zerolog.Logger) {
	log.Error().Err(cause).Msg("evaluation failed")
	evaluatedAt := w.now().UTC()
	update := types.StatusUpdate{
		EvaluatedAt:     &evaluatedAt,
		EvaluationRaw:   raw,
		EvaluationError: cause.Error(),
	}
	if _, err := w.store.TransitionStatus(ctx, callID, types.CallStatusYetToEvaluate, types.CallStatusFailedError, update); err != nil {
		log.Error().Err(err).Msg("failed to mark call failed")
	}
}
