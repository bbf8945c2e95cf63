package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrShuttingDown is returned when a session is opened during shutdown
var ErrShuttingDown = errors.New("session manager is shutting down")

// OpenRequest identifies the call a pipeline connection belongs to
type OpenRequest struct {
	CallID              string
	Room                string
	ParticipantIdentity string
}

type callLock struct {
	mu   sync.Mutex
	refs int
}

// Manager is the registry of live controllers keyed by call id
type Manager struct {
	deps   Deps
	grace  time.Duration
	logger zerolog.Logger

	mu           sync.Mutex
	sessions     map[string]*Controller
	graceTimers  map[string]*time.Timer
	locks        map[string]*callLock
	shuttingDown bool
	wg           sync.WaitGroup
}

// NewManager creates a manager. grace is how long a session whose transport
// dropped waits for a reconnecting pipeline before finalizing.
func NewManager(deps Deps, grace time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		deps:        deps,
		grace:       grace,
		logger:      logger.With().Str("component", "session_manager").Logger(),
		sessions:    make(map[string]*Controller),
		graceTimers: make(map[string]*time.Timer),
		locks:       make(map[string]*callLock),
	}
}

// Open starts a session for req.CallID. A live session for the same call id
// is superseded: it stops without cleanup and the new one resumes from the
// persisted step.
func (m *Manager) Open(ctx context.Context, req OpenRequest, p Pipeline) (*Controller, error) {
	if req.CallID == "" {
		return nil, fmt.Errorf("call id is required")
	}
	unlock := m.lockCall(req.CallID)
	defer unlock()

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	old := m.sessions[req.CallID]
	if t, ok := m.graceTimers[req.CallID]; ok {
		t.Stop()
		delete(m.graceTimers, req.CallID)
	}
	m.mu.Unlock()

	if old != nil {
		if err := old.supersede(ctx); err != nil {
			return nil, fmt.Errorf("failed to supersede session: %w", err)
		}
	}

	room := req.Room
	if room == "" {
		room = req.CallID
	}
	c := newController(req.CallID, room, p, m.deps, m.logger)
	if err := c.start(ctx); err != nil {
		c.cancel()
		return nil, err
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		c.cancel()
		return nil, ErrShuttingDown
	}
	m.sessions[req.CallID] = c
	m.wg.Add(1)
	m.mu.Unlock()

	m.deps.Metrics.RecordSessionStart()
	go c.run()
	go m.watch(c)

	m.logger.Info().
		Str("call_id", req.CallID).
		Str("room", room).
		Str("participant", req.ParticipantIdentity).
		Bool("reconnected", c.info.Reconnected).
		Msg("session opened")
	return c, nil
}

// watch removes c from the registry once it terminates
func (m *Manager) watch(c *Controller) {
	defer m.wg.Done()
	<-c.Done()

	m.mu.Lock()
	last := m.sessions[c.callID] == c
	if last {
		delete(m.sessions, c.callID)
		if t, ok := m.graceTimers[c.callID]; ok {
			t.Stop()
			delete(m.graceTimers, c.callID)
		}
	}
	m.mu.Unlock()

	if last && m.deps.Recorder != nil {
		m.deps.Recorder.Forget(c.callID)
	}

	m.deps.Metrics.RecordSessionEnd(c.outcome)
	m.logger.Info().Str("call_id", c.callID).Str("outcome", c.outcome).Msg("session terminated")
}

// Get returns the live controller for callID
func (m *Manager) Get(callID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[callID]
	return c, ok
}

// Active returns the number of live sessions
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// TransportLost is called when c's pipeline connection dropped without a
// participant-disconnected event. The session is finalized as a hangup
// unless a new connection for the call arrives within the grace period.
func (m *Manager) TransportLost(c *Controller) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[c.callID] != c || m.shuttingDown {
		return
	}
	if t, ok := m.graceTimers[c.callID]; ok {
		t.Stop()
	}
	m.logger.Info().Str("call_id", c.callID).Dur("grace", m.grace).Msg("pipeline transport lost, waiting for reconnection")

	m.graceTimers[c.callID] = time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		current := m.sessions[c.callID] == c
		delete(m.graceTimers, c.callID)
		m.mu.Unlock()
		if !current {
			return
		}
		m.logger.Info().Str("call_id", c.callID).Msg("no reconnection within grace period")
		_ = c.ParticipantDisconnected()
	})
}

// EndCall force-ends a live call
func (m *Manager) EndCall(ctx context.Context, callID string) (string, error) {
	c, ok := m.Get(callID)
	if !ok {
		return "", ErrSessionNotFound
	}
	return c.RequestEndCall(ctx)
}

// Shutdown finalizes every live session and waits for them to terminate
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	for id, t := range m.graceTimers {
		t.Stop()
		delete(m.graceTimers, id)
	}
	live := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		live = append(live, c)
	}
	m.mu.Unlock()

	m.logger.Info().Int("sessions", len(live)).Msg("shutting down sessions")

	var wg sync.WaitGroup
	for _, c := range live {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			if err := c.Shutdown(ctx); err != nil {
				m.logger.Error().Err(err).Str("call_id", c.callID).Msg("session shutdown incomplete")
			}
		}(c)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lockCall serializes Open for one call id
func (m *Manager) lockCall(callID string) func() {
	m.mu.Lock()
	l, ok := m.locks[callID]
	if !ok {
		l = &callLock{}
		m.locks[callID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, callID)
		}
		m.mu.Unlock()
	}
}
