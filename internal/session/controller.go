package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/greettech/recruitcall/internal/cleanup"
	"github.com/greettech/recruitcall/internal/metrics"
	"github.com/greettech/recruitcall/internal/script"
	"github.com/greettech/recruitcall/internal/storage"
	"github.com/greettech/recruitcall/internal/transfer"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrSessionTerminated is returned for events submitted after the
	// session ended
	ErrSessionTerminated = errors.New("session terminated")
	// ErrSessionNotFound is returned when no live session has the call id
	ErrSessionNotFound = errors.New("session not found")
)

// Lines spoken by the controller itself
const (
	TransferFailedPrefix = "I'm sorry I couldn't connect you to a specialist. Let's continue. "
	ResumePrefix         = "We got cut off earlier. "
	EndCallResult        = "Call ended."
)

// Pipeline is the speech pipeline attached to one call
type Pipeline interface {
	// Opened is called once, before the first line is spoken
	Opened(ctx context.Context, info OpenInfo) error
	Say(ctx context.Context, text string, stepIndex int) error
	Disconnect(ctx context.Context, reason string) error
}

// OpenInfo describes how a session started
type OpenInfo struct {
	CallID      string
	StepIndex   int
	Reconnected bool
	ResumedFrom string
}

// Store is the subset of the conversation store the controller uses
type Store interface {
	Seed(ctx context.Context, conv *types.Conversation) error
	AppendMessage(ctx context.Context, callID string, meta types.CallMeta, msg types.Message) error
	SetStepIndex(ctx context.Context, callID string, stepIndex int) error
	Get(ctx context.Context, callID string) (*types.Conversation, error)
	FindLatestByPhone(ctx context.Context, phone string, since time.Time) (*types.Conversation, error)
	TransitionStatus(ctx context.Context, callID string, from, to types.CallStatus, update types.StatusUpdate) (bool, error)
}

// LeadResolver returns the candidate identity, falling back to placeholders
type LeadResolver interface {
	ResolveLead(ctx context.Context, callID string) types.Lead
}

// Transferer hands the caller to a human agent
type Transferer interface {
	Transfer(ctx context.Context, callID, room string, announce transfer.Announcer) transfer.Result
}

// Recorder starts the call recording in the background
type Recorder interface {
	Start(ctx context.Context, room, callID string) bool
	Forget(callID string)
}

// Finalizer runs the idempotent cleanup
type Finalizer interface {
	Cleanup(ctx context.Context, req cleanup.Request) cleanup.Outcome
}

// RoomDeleter closes the telephony room
type RoomDeleter interface {
	DeleteRoom(ctx context.Context, room string) error
}

// Deps are the collaborators shared by every controller
type Deps struct {
	Store           Store
	Leads           LeadResolver
	Script          *script.Script
	Transfer        Transferer
	Recorder        Recorder
	Cleanup         Finalizer
	Rooms           RoomDeleter
	Metrics         *metrics.Metrics
	ReconnectWindow time.Duration
	EndCallTimeout  time.Duration
	Now             func() time.Time
}

type eventKind int

const (
	evOpen eventKind = iota
	evTurn
	evTransfer
	evEndCall
	evPeerLeft
	evShutdown
	evSuperseded
)

func (k eventKind) String() string {
	return [...]string{"open", "turn", "transfer", "end_call", "peer_left", "shutdown", "superseded"}[k]
}

type reply struct {
	text string
	err  error
}

type event struct {
	kind  eventKind
	text  string
	reply chan reply
}

// Controller owns one call from connection to termination. All session
// state is confined to the run goroutine; callers talk to it through events.
type Controller struct {
	callID   string
	room     string
	pipeline Pipeline
	deps     Deps
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events chan event
	done   chan struct{}

	// owned by the run goroutine
	state            State
	meta             types.CallMeta
	stepIndex        int
	transcript       []types.Message
	transferFailed   bool
	recordingStarted bool
	cleanupStarted   bool
	info             OpenInfo
	outcome          string
}

func newController(callID, room string, p Pipeline, deps Deps, logger zerolog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.EndCallTimeout <= 0 {
		deps.EndCallTimeout = 5 * time.Second
	}
	c := &Controller{
		callID:   callID,
		room:     room,
		pipeline: p,
		deps:     deps,
		logger:   logger.With().Str("call_id", callID).Str("room", room).Logger(),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		state:    StateConnecting,
	}
	// The opening line is always the first event processed
	c.events <- event{kind: evOpen}
	return c
}

// CallID returns the correlation id
func (c *Controller) CallID() string { return c.callID }

// Done is closed once the session reached TERMINATED
func (c *Controller) Done() <-chan struct{} { return c.done }

// Outcome returns how the session ended. Valid after Done is closed.
func (c *Controller) Outcome() string {
	<-c.done
	return c.outcome
}

// start resolves identity and script position. It runs before the event
// loop, so it may touch session state directly.
func (c *Controller) start(ctx context.Context) error {
	existing, err := c.deps.Store.Get(ctx, c.callID)
	switch {
	case err == nil && !existing.Status.Active():
		return storage.ErrCallClosed
	case err == nil:
		// Same call id still active: the pipeline reconnected mid-call
		c.meta = types.CallMeta{Name: existing.Name, PhoneNo: existing.PhoneNo, Room: c.room}
		c.stepIndex = max(existing.StepIndex, 1)
		c.transcript = existing.Messages
		c.recordingStarted = existing.EgressID != ""
		c.info = OpenInfo{CallID: c.callID, StepIndex: c.stepIndex, Reconnected: true}
		c.logger.Info().Int("step_index", c.stepIndex).Msg("session reattached to active call")
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	lead := c.deps.Leads.ResolveLead(ctx, c.callID)
	c.meta = types.CallMeta{Name: lead.Name, PhoneNo: lead.Phone, Room: c.room}
	c.stepIndex = 1

	seed := &types.Conversation{
		CallID:    c.callID,
		Status:    types.CallStatusActive,
		StepIndex: 1,
		Name:      c.meta.Name,
		PhoneNo:   c.meta.PhoneNo,
		Room:      c.room,
		CreatedAt: c.deps.Now().UTC(),
	}

	prior := c.findResumable(ctx)
	if prior != nil {
		c.stepIndex = prior.StepIndex
		c.transcript = prior.Messages
		seed.StepIndex = prior.StepIndex
		seed.Messages = prior.Messages
		seed.ResumedFrom = prior.CallID
		c.info = OpenInfo{CallID: c.callID, StepIndex: c.stepIndex, Reconnected: true, ResumedFrom: prior.CallID}
		c.logger.Info().
			Str("resumed_from", prior.CallID).
			Int("step_index", c.stepIndex).
			Msg("reconnection detected, resuming script")
	} else {
		c.info = OpenInfo{CallID: c.callID, StepIndex: 1}
	}

	if err := c.deps.Store.Seed(ctx, seed); err != nil {
		return err
	}
	if prior != nil {
		c.retire(ctx, prior.CallID)
	}
	return nil
}

// retire takes a resumed call out of the evaluation queue. Its transcript is
// evaluated as part of the call that resumed it.
func (c *Controller) retire(ctx context.Context, priorID string) {
	ok, err := c.deps.Store.TransitionStatus(ctx, priorID, types.CallStatusYetToEvaluate, types.CallStatusSkippedResumed, types.StatusUpdate{})
	if err != nil {
		c.logger.Warn().Err(err).Str("resumed_from", priorID).Msg("failed to retire resumed call")
		return
	}
	if ok {
		c.logger.Debug().Str("resumed_from", priorID).Msg("resumed call skipped for evaluation")
	}
}

// findResumable returns a recent unfinished call for the same phone number
func (c *Controller) findResumable(ctx context.Context) *types.Conversation {
	phone := strings.TrimSpace(c.meta.PhoneNo)
	if phone == "" || phone == types.DefaultPhoneNo || c.deps.ReconnectWindow <= 0 {
		return nil
	}
	since := c.deps.Now().Add(-c.deps.ReconnectWindow)
	prior, err := c.deps.Store.FindLatestByPhone(ctx, phone, since)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("reconnection lookup failed, starting fresh")
		}
		return nil
	}
	// A call that already ran past the last step starts over
	if prior.StepIndex < 1 || prior.StepIndex > c.deps.Script.Last() {
		return nil
	}
	return prior
}

// run is the single consumer of the session's events
func (c *Controller) run() {
	defer c.cancel()

	for ev := range c.events {
		c.handle(ev)
		if c.state == StateTerminated {
			break
		}
	}

	close(c.done)
	// Drain whatever was queued behind the terminating event
	for {
		select {
		case ev := <-c.events:
			if ev.reply != nil {
				ev.reply <- reply{err: ErrSessionTerminated}
			}
			if ev.kind == evTurn {
				c.logger.Debug().Msg("dropping turn queued after termination")
			}
		default:
			return
		}
	}
}

func (c *Controller) handle(ev event) {
	c.logger.Debug().Str("event", ev.kind.String()).Str("state", c.state.String()).Msg("handling event")
	switch ev.kind {
	case evOpen:
		c.open()
	case evTurn:
		c.onTurnCompleted(ev.text)
	case evTransfer:
		ev.reply <- c.requestTransfer()
	case evEndCall:
		ev.reply <- c.requestEndCall()
	case evPeerLeft:
		c.onPeerDisconnected()
	case evShutdown:
		c.onShutdown()
	case evSuperseded:
		c.outcome = "superseded"
		c.logger.Info().Str("state", c.state.String()).Msg("session superseded by a newer connection")
		c.transition(StateTerminated)
	}
	if ev.reply != nil && ev.kind != evTransfer && ev.kind != evEndCall {
		ev.reply <- reply{}
	}
}

func (c *Controller) transition(to State) bool {
	if !canTransition(c.state, to) {
		c.logger.Warn().
			Str("from", c.state.String()).
			Str("to", to.String()).
			Msg("illegal state transition ignored")
		return false
	}
	c.logger.Debug().Str("from", c.state.String()).Str("to", to.String()).Msg("state transition")
	c.state = to
	return true
}

func (c *Controller) open() {
	if err := c.pipeline.Opened(c.ctx, c.info); err != nil {
		c.logger.Warn().Err(err).Msg("failed to acknowledge session")
	}

	if !c.recordingStarted && c.deps.Recorder != nil {
		c.recordingStarted = true
		c.deps.Recorder.Start(c.ctx, c.room, c.callID)
	}

	if c.info.Reconnected {
		c.transition(StateAwaitingTurn)
		c.speak(ResumePrefix + c.lineFor(c.stepIndex))
		return
	}

	c.transition(StateGreeting)
	c.speak(c.lineFor(c.stepIndex))
	if c.state == StateGreeting {
		c.transition(StateAwaitingTurn)
	}
}

func (c *Controller) onTurnCompleted(text string) {
	if c.state != StateAwaitingTurn {
		c.logger.Debug().Str("state", c.state.String()).Msg("ignoring turn outside AWAITING_TURN")
		return
	}
	c.transition(StateAdvancingStep)
	c.deps.Metrics.RecordTurn()

	if !c.record(types.RoleUser, text) {
		return
	}

	if c.stepIndex <= c.deps.Script.Last() {
		c.stepIndex = c.deps.Script.Next(c.stepIndex)
	}
	line := c.lineFor(c.stepIndex)
	if c.transferFailed {
		line = TransferFailedPrefix + line
		c.transferFailed = false
	}

	if err := c.deps.Store.SetStepIndex(c.ctx, c.callID, c.stepIndex); err != nil {
		if c.closedUnderneath(err) {
			return
		}
		c.logger.Error().Err(err).Int("step_index", c.stepIndex).Msg("failed to persist step index")
	}

	c.transition(StateAwaitingTurn)
	c.speak(line)
}

func (c *Controller) requestTransfer() reply {
	if c.state != StateAwaitingTurn {
		return reply{text: transfer.LineConnectError}
	}
	c.transition(StateTransferRequested)

	res := c.deps.Transfer.Transfer(c.ctx, c.callID, c.room, func(ctx context.Context, text string) error {
		c.record(types.RoleAssistant, text)
		return c.pipeline.Say(ctx, text, c.stepIndex)
	})
	if !res.Transferred {
		c.transferFailed = true
		c.record(types.RoleAssistant, res.Line)
		c.transition(StateAwaitingTurn)
		return reply{text: res.Line}
	}

	c.transition(StateDisconnecting)
	c.disconnectPipeline("transferred")
	c.finish("transferred", true)
	return reply{text: res.Line}
}

func (c *Controller) requestEndCall() reply {
	if c.state != StateAwaitingTurn {
		return reply{text: EndCallResult}
	}
	c.transition(StateEndRequested)

	roomDeleted := false
	if c.deps.Rooms != nil {
		ctx, cancel := context.WithTimeout(c.ctx, c.deps.EndCallTimeout)
		err := c.deps.Rooms.DeleteRoom(ctx, c.room)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Msg("room deletion failed, disconnecting session directly")
		} else {
			roomDeleted = true
		}
	}

	c.transition(StateDisconnecting)
	if !roomDeleted {
		c.disconnectPipeline("end_call")
	}
	c.finish("end_call", roomDeleted)
	return reply{text: EndCallResult}
}

func (c *Controller) onPeerDisconnected() {
	if c.state != StateAwaitingTurn {
		// transfer and end-call already finalize; anything else is a
		// late duplicate
		c.logger.Debug().Str("state", c.state.String()).Msg("ignoring disconnect")
		return
	}
	c.transition(StatePeerDisconnected)
	c.finish("hangup", false)
}

func (c *Controller) onShutdown() {
	c.disconnectPipeline("shutdown")
	c.finish("shutdown", false)
}

// finish runs cleanup once and terminates the session
func (c *Controller) finish(outcome string, keepRoom bool) {
	c.outcome = outcome
	c.transition(StateCleaningUp)
	if !c.cleanupStarted {
		c.cleanupStarted = true
		c.deps.Cleanup.Cleanup(c.ctx, cleanup.Request{CallID: c.callID, Room: c.room, KeepRoom: keepRoom})
	}
	c.transition(StateTerminated)
}

// closedUnderneath terminates the session without cleanup when the
// document was finalized by someone else
func (c *Controller) closedUnderneath(err error) bool {
	if !errors.Is(err, storage.ErrCallClosed) {
		return false
	}
	c.logger.Warn().Msg("conversation closed by another writer, terminating session")
	c.outcome = "closed"
	c.transition(StateTerminated)
	return true
}

// record appends a transcript line. Returns false if the session terminated.
func (c *Controller) record(role types.Role, text string) bool {
	msg := types.Message{Role: role, Text: text, Timestamp: c.deps.Now().UTC()}
	if err := c.deps.Store.AppendMessage(c.ctx, c.callID, c.meta, msg); err != nil {
		if c.closedUnderneath(err) {
			return false
		}
		c.logger.Error().Err(err).Str("role", string(role)).Msg("failed to persist message")
	}
	c.transcript = append(c.transcript, msg)
	return true
}

func (c *Controller) speak(text string) {
	if !c.record(types.RoleAssistant, text) {
		return
	}
	if err := c.pipeline.Say(c.ctx, text, c.stepIndex); err != nil {
		c.logger.Warn().Err(err).Int("step_index", c.stepIndex).Msg("failed to deliver line")
	}
}

func (c *Controller) disconnectPipeline(reason string) {
	if err := c.pipeline.Disconnect(c.ctx, reason); err != nil {
		c.logger.Debug().Err(err).Str("reason", reason).Msg("pipeline disconnect failed")
	}
}

// lineFor renders the step text, or the closing line past the script end
func (c *Controller) lineFor(index int) string {
	step, ok := c.deps.Script.Step(index)
	if !ok {
		return script.ClosingLine
	}
	return script.Render(step.Text, c.meta.Name)
}

// submit queues ev unless the session already ended
func (c *Controller) submit(ev event) error {
	select {
	case <-c.done:
		return ErrSessionTerminated
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrSessionTerminated
	}
}

// await waits for the reply to ev
func (c *Controller) await(ctx context.Context, ev event) (string, error) {
	if err := c.submit(ev); err != nil {
		return "", err
	}
	select {
	case r := <-ev.reply:
		return r.text, r.err
	case <-c.done:
		select {
		case r := <-ev.reply:
			return r.text, r.err
		default:
			return "", ErrSessionTerminated
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// TurnCompleted queues a finished caller utterance
func (c *Controller) TurnCompleted(text string) error {
	return c.submit(event{kind: evTurn, text: text})
}

// RequestTransfer runs the transfer capability and returns the line the
// caller should hear
func (c *Controller) RequestTransfer(ctx context.Context) (string, error) {
	return c.await(ctx, event{kind: evTransfer, reply: make(chan reply, 1)})
}

// RequestEndCall closes the room and ends the session. It always resolves
// to a terminal disconnect.
func (c *Controller) RequestEndCall(ctx context.Context) (string, error) {
	return c.await(ctx, event{kind: evEndCall, reply: make(chan reply, 1)})
}

// ParticipantDisconnected reports the caller left the room
func (c *Controller) ParticipantDisconnected() error {
	return c.submit(event{kind: evPeerLeft})
}

// Shutdown finalizes the session and waits for termination
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.stop(ctx, evShutdown)
}

// supersede terminates the session without cleanup
func (c *Controller) supersede(ctx context.Context) error {
	return c.stop(ctx, evSuperseded)
}

func (c *Controller) stop(ctx context.Context, kind eventKind) error {
	if err := c.submit(event{kind: kind}); err != nil && !errors.Is(err, ErrSessionTerminated) {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
