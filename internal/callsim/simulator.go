package callsim

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Mix weights the endings picked for new calls
type Mix map[Ending]int

// DefaultMix mostly completes calls, with some transfers and drops
var DefaultMix = Mix{
	EndingHangup:   5,
	EndingEndCall:  3,
	EndingTransfer: 1,
	EndingDrop:     1,
}

// Stats counts simulated calls
type Stats struct {
	Active      int64            `json:"active"`
	Started     int64            `json:"started"`
	Finished    int64            `json:"finished"`
	Failed      int64            `json:"failed"`
	Lines       int64            `json:"lines"`
	ByEnding    map[Ending]int64 `json:"byEnding"`
	Disconnects map[string]int64 `json:"disconnects"`
}

// Simulator keeps a fixed number of concurrent calls running
type Simulator struct {
	caller *Caller
	mix    Mix
	turns  int
	pause  time.Duration
	rng    *rand.Rand
	rngMu  sync.Mutex
	logger zerolog.Logger

	active   atomic.Int64
	started  atomic.Int64
	finished atomic.Int64
	failed   atomic.Int64
	lines    atomic.Int64

	mu          sync.Mutex
	byEnding    map[Ending]int64
	disconnects map[string]int64
}

// NewSimulator creates a simulator that places calls with caller
func NewSimulator(caller *Caller, mix Mix, turns int, pause time.Duration, logger zerolog.Logger) *Simulator {
	if len(mix) == 0 {
		mix = DefaultMix
	}
	return &Simulator{
		caller:      caller,
		mix:         mix,
		turns:       turns,
		pause:       pause,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:      logger.With().Str("component", "simulator").Logger(),
		byEnding:    make(map[Ending]int64),
		disconnects: make(map[string]int64),
	}
}

// Start runs concurrent call loops until ctx is cancelled
func (s *Simulator) Start(ctx context.Context, concurrent int) {
	var wg sync.WaitGroup
	for range concurrent {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx)
		}()
	}
	s.logger.Info().Int("concurrent", concurrent).Msg("call simulation started")
	wg.Wait()
	s.logger.Info().Msg("call simulation stopped")
}

func (s *Simulator) loop(ctx context.Context) {
	for ctx.Err() == nil {
		sc := NewScenario(s.turns, s.pick())
		sc.Pause = s.pause

		s.active.Add(1)
		s.started.Add(1)
		res, err := s.caller.Run(ctx, sc)
		s.active.Add(-1)
		s.record(res, err)

		if err != nil && ctx.Err() == nil {
			// back off so a down orchestrator is not hammered
			if !sleep(ctx, time.Second) {
				return
			}
		}
	}
}

func (s *Simulator) record(res Result, err error) {
	s.lines.Add(int64(res.Lines))
	if err != nil {
		s.failed.Add(1)
		s.logger.Debug().Err(err).Str("call_id", res.CallID).Msg("simulated call failed")
		return
	}
	s.finished.Add(1)

	s.mu.Lock()
	s.byEnding[res.Ending]++
	if res.Disconnect != "" {
		s.disconnects[res.Disconnect]++
	}
	s.mu.Unlock()
}

// pick draws an ending by weight
func (s *Simulator) pick() Ending {
	total := 0
	for _, w := range s.mix {
		total += w
	}
	if total <= 0 {
		return EndingHangup
	}

	s.rngMu.Lock()
	n := s.rng.Intn(total)
	s.rngMu.Unlock()

	// fixed order keeps the draw stable across map iteration
	for _, e := range []Ending{EndingHangup, EndingEndCall, EndingTransfer, EndingDrop} {
		if n < s.mix[e] {
			return e
		}
		n -= s.mix[e]
	}
	return EndingHangup
}

// GetStats returns a snapshot of the counters
func (s *Simulator) GetStats() Stats {
	st := Stats{
		Active:      s.active.Load(),
		Started:     s.started.Load(),
		Finished:    s.finished.Load(),
		Failed:      s.failed.Load(),
		Lines:       s.lines.Load(),
		ByEnding:    make(map[Ending]int64),
		Disconnects: make(map[string]int64),
	}
	s.mu.Lock()
	for k, v := range s.byEnding {
		st.ByEnding[k] = v
	}
	for k, v := range s.disconnects {
		st.Disconnects[k] = v
	}
	s.mu.Unlock()
	return st
}
