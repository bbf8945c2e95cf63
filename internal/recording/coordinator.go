package recording

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/greettech/recruitcall/internal/metrics"
	"github.com/rs/zerolog"
)

// Starter starts a room composite egress and returns its id and the file
// path it writes
type Starter interface {
	StartRecording(ctx context.Context, room, callID string) (egressID, file string, err error)
}

// Store persists the recording reference
type Store interface {
	SetRecording(ctx context.Context, callID, recordingFile, egressID, recordingErr string) error
}

// FileName is the object name the default egress template writes for a call
func FileName(callID string) string {
	return callID + ".mp3"
}

// objectName maps the egress output path to the name the locator serves
func objectName(callID, file string) string {
	if file == "" {
		return FileName(callID)
	}
	return path.Base(file)
}

// Coordinator starts at most one recording per call id in the background
type Coordinator struct {
	starter Starter
	store   Store
	timeout time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	started sync.Map // call id -> struct{}
	wg      sync.WaitGroup
}

func NewCoordinator(starter Starter, store Store, timeout time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		starter: starter,
		store:   store,
		timeout: timeout,
		metrics: m,
		logger:  logger.With().Str("component", "recording").Logger(),
	}
}

// Start fires the egress request without blocking. Repeated calls for the
// same call id are ignored. Returns false when the call already has one.
func (c *Coordinator) Start(ctx context.Context, room, callID string) bool {
	if _, loaded := c.started.LoadOrStore(callID, struct{}{}); loaded {
		c.logger.Debug().Str("call_id", callID).Msg("recording already started")
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// The recording outlives the request that opened the session
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		c.start(rctx, room, callID)
	}()
	return true
}

func (c *Coordinator) start(ctx context.Context, room, callID string) {
	log := c.logger.With().Str("call_id", callID).Str("room", room).Logger()

	egressID, file, err := c.starter.StartRecording(ctx, room, callID)
	if err != nil {
		log.Error().Err(err).Msg("failed to start recording")
		c.metrics.RecordRecording("error")
		if serr := c.store.SetRecording(ctx, callID, "", "", err.Error()); serr != nil {
			log.Warn().Err(serr).Msg("failed to record recording error")
		}
		return
	}

	name := objectName(callID, file)
	log.Info().Str("egress_id", egressID).Str("recording", name).Msg("recording started")
	c.metrics.RecordRecording("ok")
	if err := c.store.SetRecording(ctx, callID, name, egressID, ""); err != nil {
		log.Error().Err(err).Str("egress_id", egressID).Msg("failed to persist recording reference")
	}
}

// Forget drops the dedup entry for a finished call
func (c *Coordinator) Forget(callID string) {
	c.started.Delete(callID)
}

// Wait blocks until in-flight recording requests finish
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
