package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/greettech/recruitcall/internal/leadapi"
	"github.com/greettech/recruitcall/internal/metrics"
	"github.com/greettech/recruitcall/internal/telephony"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

// Lines spoken around a transfer attempt
const (
	LineConnecting   = "One moment, I am connecting you to a specialist now."
	LineBusy         = "Currently, all our specialists are busy. Let's continue our conversation."
	LineLineTrouble  = "I'm having trouble connecting to the line. Let's continue here."
	LineConnectError = "Connection error. Let's continue our interview."
	LineTransferred  = "Transferring you to a specialist."
)

// AgentFinder locates a ready human agent
type AgentFinder interface {
	FindAgent(ctx context.Context) (types.LiveAgent, error)
}

// Dialer bridges a human agent into the room
type Dialer interface {
	Transfer(ctx context.Context, room, agentUser, agentExt string) error
}

// Announcer speaks a line to the caller and returns once it is queued
type Announcer func(ctx context.Context, text string) error

// Result is the outcome of one transfer attempt. Line is what the caller
// should hear next: a continuation line on failure.
type Result struct {
	Transferred bool
	Agent       types.LiveAgent
	Line        string
}

// Options tunes the transfer timings
type Options struct {
	DialTimeout   time.Duration
	AnnounceDelay time.Duration // lets the connecting line play before dialing
	SettleDelay   time.Duration // lets the SIP leg join before the session leaves
}

// Coordinator runs agent lookup then the telephony transfer, each bounded,
// and never fails the call
type Coordinator struct {
	agents  AgentFinder
	dialer  Dialer
	opts    Options
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewCoordinator(agents AgentFinder, dialer Dialer, opts Options, m *metrics.Metrics, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		agents:  agents,
		dialer:  dialer,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "transfer").Logger(),
	}
}

// Transfer attempts to hand the caller in room to a human agent
func (c *Coordinator) Transfer(ctx context.Context, callID, room string, announce Announcer) Result {
	log := c.logger.With().Str("call_id", callID).Str("room", room).Logger()

	agent, err := c.agents.FindAgent(ctx)
	if errors.Is(err, leadapi.ErrNoAgentsAvailable) {
		log.Info().Msg("no agents available for transfer")
		c.metrics.RecordTransfer("no_agent")
		return Result{Line: LineBusy}
	}
	if err != nil {
		log.Warn().Err(err).Msg("agent lookup failed")
		c.metrics.RecordTransfer("lookup_error")
		return Result{Line: LineConnectError}
	}
	log = log.With().Str("agent_user", agent.User).Str("agent_ext", agent.Ext).Logger()

	if announce != nil {
		if err := announce(ctx, LineConnecting); err != nil {
			log.Warn().Err(err).Msg("failed to announce transfer")
		}
	}
	if err := sleep(ctx, c.opts.AnnounceDelay); err != nil {
		c.metrics.RecordTransfer("cancelled")
		return Result{Agent: agent, Line: LineConnectError}
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	err = c.dialer.Transfer(dialCtx, room, agent.User, agent.Ext)
	cancel()
	if err != nil {
		var apiErr *telephony.APIError
		if errors.As(err, &apiErr) {
			log.Error().Err(err).Msg("SIP transfer rejected")
			c.metrics.RecordTransfer("sip_error")
			return Result{Agent: agent, Line: LineLineTrouble}
		}
		log.Error().Err(err).Msg("transfer failed")
		c.metrics.RecordTransfer("error")
		return Result{Agent: agent, Line: LineConnectError}
	}

	// The agent is already bridged, so a cancelled settle still counts
	_ = sleep(ctx, c.opts.SettleDelay)

	log.Info().Msg("call transferred to agent")
	c.metrics.RecordTransfer("ok")
	return Result{Transferred: true, Agent: agent, Line: LineTransferred}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
