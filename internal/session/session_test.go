package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/greettech/recruitcall/internal/cleanup"
	"github.com/greettech/recruitcall/internal/script"
	"github.com/greettech/recruitcall/internal/storage"
	"github.com/greettech/recruitcall/internal/transfer"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

var testSteps = []types.ScriptStep{
	{Index: 1, Text: "Hi, may I speak with {{consumer_name}}?"},
	{Index: 2, Text: "Are you open to new roles?"},
	{Index: 3, Text: "What kind of role?"},
	{Index: 4, Text: "How many years of experience?"},
	{Index: 5, Text: "When can you start?"},
	{Index: 6, Text: "Thanks, {{candidate_name}}."},
}

type said struct {
	text      string
	stepIndex int
}

type fakePipeline struct {
	mu          sync.Mutex
	info        *OpenInfo
	says        []said
	disconnects []string
}

func (p *fakePipeline) Opened(_ context.Context, info OpenInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.info = &info
	return nil
}

func (p *fakePipeline) Say(_ context.Context, text string, stepIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.says = append(p.says, said{text, stepIndex})
	return nil
}

func (p *fakePipeline) Disconnect(_ context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects = append(p.disconnects, reason)
	return nil
}

func (p *fakePipeline) opened() OpenInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.info == nil {
		return OpenInfo{}
	}
	return *p.info
}

func (p *fakePipeline) said() []said {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]said(nil), p.says...)
}

func (p *fakePipeline) disconnected() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.disconnects...)
}

type fakeLeads struct {
	lead types.Lead
}

func (f fakeLeads) ResolveLead(_ context.Context, callID string) types.Lead {
	l := f.lead
	l.CallID = callID
	return l
}

type fakeTransfer struct {
	mu      sync.Mutex
	results []transfer.Result
	calls   int
}

func (f *fakeTransfer) Transfer(ctx context.Context, _, _ string, announce transfer.Announcer) transfer.Result {
	f.mu.Lock()
	res := f.results[f.calls]
	f.calls++
	f.mu.Unlock()
	if res.Transferred {
		_ = announce(ctx, transfer.LineConnecting)
	}
	return res
}

type fakeRecorder struct {
	starts atomic.Int32
}

func (f *fakeRecorder) Start(context.Context, string, string) bool {
	f.starts.Add(1)
	return true
}

func (f *fakeRecorder) Forget(string) {}

type fakeRooms struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRooms) DeleteRoom(context.Context, string) error {
	f.calls.Add(1)
	return f.err
}

type harness struct {
	store    *storage.MemoryStore
	rooms    *fakeRooms
	recorder *fakeRecorder
	transfer *fakeTransfer
	manager  *Manager
}

func newHarness(t *testing.T, grace time.Duration) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewMemoryStore(),
		rooms:    &fakeRooms{},
		recorder: &fakeRecorder{},
		transfer: &fakeTransfer{},
	}
	cleaner := cleanup.NewCoordinator(h.store, nil, h.rooms, cleanup.Options{
		RetryBase:         time.Millisecond,
		MaxRetries:        2,
		SideEffectTimeout: time.Second,
		Retention:         time.Minute,
	}, nil, zerolog.Nop())

	h.manager = NewManager(Deps{
		Store:           h.store,
		Leads:           fakeLeads{lead: types.Lead{Name: "Asha", Phone: "+15550001"}},
		Script:          script.New(testSteps),
		Transfer:        h.transfer,
		Recorder:        h.recorder,
		Cleanup:         cleaner,
		Rooms:           h.rooms,
		ReconnectWindow: 24 * time.Hour,
	}, grace, zerolog.Nop())
	return h
}

func (h *harness) open(t *testing.T, callID string) (*Controller, *fakePipeline) {
	t.Helper()
	p := &fakePipeline{}
	c, err := h.manager.Open(context.Background(), OpenRequest{CallID: callID, Room: "room-" + callID}, p)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	return c, p
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitSays(t *testing.T, p *fakePipeline, n int) []said {
	t.Helper()
	waitFor(t, "spoken lines", func() bool { return len(p.said()) >= n })
	return p.said()
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not terminate")
	}
}

func TestGreetingAndStepAdvance(t *testing.T) {
	h := newHarness(t, time.Second)
	c, p := h.open(t, "call-1")

	says := waitSays(t, p, 1)
	if says[0].text != "Hi, may I speak with Asha?" || says[0].stepIndex != 1 {
		t.Errorf("unexpected greeting %+v", says[0])
	}
	if info := p.opened(); info.CallID != "call-1" || info.Reconnected {
		t.Errorf("expected fresh session acknowledgement, got %+v", info)
	}
	if h.recorder.starts.Load() != 1 {
		t.Errorf("expected one recording start, got %d", h.recorder.starts.Load())
	}

	_ = c.TurnCompleted("yes speaking")
	_ = c.TurnCompleted("sure")
	says = waitSays(t, p, 3)

	if says[1].text != "Are you open to new roles?" || says[1].stepIndex != 2 {
		t.Errorf("unexpected second line %+v", says[1])
	}
	if says[2].stepIndex != 3 {
		t.Errorf("expected step 3, got %d", says[2].stepIndex)
	}

	conv, _ := h.store.Get(context.Background(), "call-1")
	if conv.StepIndex != 3 {
		t.Errorf("expected persisted step 3, got %d", conv.StepIndex)
	}
	if len(conv.Messages) != 5 {
		t.Errorf("expected 5 transcript lines, got %d", len(conv.Messages))
	}
	if conv.Name != "Asha" || conv.PhoneNo != "+15550001" {
		t.Errorf("unexpected identity %s / %s", conv.Name, conv.PhoneNo)
	}
}

func TestScriptEndUsesClosingLine(t *testing.T) {
	h := newHarness(t, time.Second)
	c, p := h.open(t, "call-1")

	for i := 0; i < 7; i++ {
		_ = c.TurnCompleted("ok")
	}
	says := waitSays(t, p, 8)

	if says[5].text != "Thanks, Asha." {
		t.Errorf("expected last scripted line, got %q", says[5].text)
	}
	for _, s := range says[6:] {
		if s.text != script.ClosingLine {
			t.Errorf("expected closing line, got %q", s.text)
		}
		if s.stepIndex != 7 {
			t.Errorf("expected step pointer to stop past the end, got %d", s.stepIndex)
		}
	}
}

func TestReconnectionRestoresStep(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	prior := &types.Conversation{
		CallID:    "call-0",
		Status:    types.CallStatusYetToEvaluate,
		StepIndex: 4,
		PhoneNo:   "+15550001",
		Messages: []types.Message{
			{Role: types.RoleAssistant, Text: "Hi"},
			{Role: types.RoleUser, Text: "hello"},
		},
		CreatedAt: time.Now().Add(-time.Hour),
	}
	if err := h.store.Seed(ctx, prior); err != nil {
		t.Fatal(err)
	}

	c, p := h.open(t, "call-1")
	says := waitSays(t, p, 1)

	if info := p.opened(); !info.Reconnected || info.StepIndex != 4 || info.ResumedFrom != "call-0" {
		t.Fatalf("expected reconnection at step 4, got %+v", info)
	}
	if says[0].text != ResumePrefix+"How many years of experience?" || says[0].stepIndex != 4 {
		t.Errorf("unexpected resume line %+v", says[0])
	}

	conv, _ := h.store.Get(ctx, "call-1")
	if conv.StepIndex != 4 {
		t.Errorf("expected persisted step 4, got %d", conv.StepIndex)
	}
	if conv.ResumedFrom != "call-0" {
		t.Errorf("expected resumedFrom call-0, got %s", conv.ResumedFrom)
	}
	if len(conv.Messages) != 3 {
		t.Errorf("expected restored transcript plus resume line, got %d", len(conv.Messages))
	}
	// the earlier call is evaluated only through the call that resumed it
	if parent, _ := h.store.Get(ctx, "call-0"); parent.Status != types.CallStatusSkippedResumed {
		t.Errorf("expected call-0 skipped_resumed, got %s", parent.Status)
	}

	_ = c.TurnCompleted("five years")
	says = waitSays(t, p, 2)
	if says[1].stepIndex != 5 {
		t.Errorf("expected exactly one advance to step 5, got %d", says[1].stepIndex)
	}
}

func TestResumingEvaluatedCallKeepsItsStatus(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	_ = h.store.Seed(ctx, &types.Conversation{
		CallID:    "call-0",
		Status:    types.CallStatusCompleted,
		StepIndex: 4,
		PhoneNo:   "+15550001",
		CreatedAt: time.Now().Add(-time.Hour),
	})

	_, p := h.open(t, "call-1")
	waitSays(t, p, 1)

	if info := p.opened(); info.ResumedFrom != "call-0" {
		t.Fatalf("expected resume from call-0, got %+v", info)
	}
	if parent, _ := h.store.Get(ctx, "call-0"); parent.Status != types.CallStatusCompleted {
		t.Errorf("expected call-0 to stay completed, got %s", parent.Status)
	}
}

func TestReconnectionIgnoresOldOrPlaceholderCalls(t *testing.T) {
	tests := []struct {
		name  string
		prior types.Conversation
	}{
		{"outside window", types.Conversation{CallID: "old", Status: types.CallStatusCompleted, StepIndex: 4, PhoneNo: "+15550001", CreatedAt: time.Now().Add(-48 * time.Hour)}},
		{"finished script", types.Conversation{CallID: "done", Status: types.CallStatusCompleted, StepIndex: 7, PhoneNo: "+15550001", CreatedAt: time.Now()}},
		{"other number", types.Conversation{CallID: "other", Status: types.CallStatusCompleted, StepIndex: 4, PhoneNo: "+15559999", CreatedAt: time.Now()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Second)
			prior := tt.prior
			_ = h.store.Seed(context.Background(), &prior)

			_, p := h.open(t, "call-1")
			waitSays(t, p, 1)
			if p.opened().Reconnected || p.opened().StepIndex != 1 {
				t.Errorf("expected a fresh start, got %+v", p.opened())
			}
		})
	}
}

func TestSupersedeResumesSameCall(t *testing.T) {
	h := newHarness(t, time.Second)
	first, p1 := h.open(t, "call-1")
	_ = first.TurnCompleted("yes")
	_ = first.TurnCompleted("sure")
	waitSays(t, p1, 3)

	second, p2 := h.open(t, "call-1")
	waitDone(t, first)
	if first.Outcome() != "superseded" {
		t.Errorf("expected superseded, got %s", first.Outcome())
	}

	says := waitSays(t, p2, 1)
	if !p2.opened().Reconnected || p2.opened().StepIndex != 3 {
		t.Errorf("expected reattach at step 3, got %+v", p2.opened())
	}
	if says[0].text != ResumePrefix+"What kind of role?" {
		t.Errorf("unexpected resume line %q", says[0].text)
	}

	// the superseded controller refuses further turns
	if err := first.TurnCompleted("late"); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("expected ErrSessionTerminated, got %v", err)
	}

	conv, _ := h.store.Get(context.Background(), "call-1")
	if conv.Status != types.CallStatusActive {
		t.Errorf("expected call still active, got %s", conv.Status)
	}
	if h.recorder.starts.Load() != 1 {
		t.Errorf("expected recording not restarted, got %d starts", h.recorder.starts.Load())
	}
	if got, _ := h.manager.Get("call-1"); got != second {
		t.Errorf("expected registry to hold the new controller")
	}
}

func TestTransferFailureContinuesWithPrefix(t *testing.T) {
	h := newHarness(t, time.Second)
	h.transfer.results = []transfer.Result{{Line: transfer.LineBusy}}
	c, p := h.open(t, "call-1")
	waitSays(t, p, 1)

	line, err := c.RequestTransfer(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line != transfer.LineBusy {
		t.Errorf("expected busy line, got %q", line)
	}

	_ = c.TurnCompleted("ok")
	_ = c.TurnCompleted("ok")
	says := waitSays(t, p, 3)

	if says[1].text != TransferFailedPrefix+"Are you open to new roles?" {
		t.Errorf("expected apology prefix once, got %q", says[1].text)
	}
	if strings.HasPrefix(says[2].text, TransferFailedPrefix) {
		t.Errorf("expected prefix to reset after one use, got %q", says[2].text)
	}

	select {
	case <-c.Done():
		t.Errorf("transfer failure must not end the session")
	default:
	}
}

func TestTransferSuccessFinalizesKeepingRoom(t *testing.T) {
	h := newHarness(t, time.Second)
	h.transfer.results = []transfer.Result{{Transferred: true, Line: transfer.LineTransferred}}
	c, p := h.open(t, "call-1")
	waitSays(t, p, 1)

	line, err := c.RequestTransfer(context.Background())
	if err != nil || line != transfer.LineTransferred {
		t.Fatalf("unexpected result %q %v", line, err)
	}
	waitDone(t, c)

	if c.Outcome() != "transferred" {
		t.Errorf("expected transferred, got %s", c.Outcome())
	}
	if d := p.disconnected(); len(d) != 1 || d[0] != "transferred" {
		t.Errorf("expected one transferred disconnect, got %v", d)
	}
	if h.rooms.calls.Load() != 0 {
		t.Errorf("expected room kept for the agent")
	}
	conv, _ := h.store.Get(context.Background(), "call-1")
	if conv.Status != types.CallStatusYetToEvaluate {
		t.Errorf("expected yet_to_evaluate, got %s", conv.Status)
	}
}

func TestEndCall(t *testing.T) {
	tests := []struct {
		name            string
		roomErr         error
		wantDisconnects int
		wantRoomCalls   int32
	}{
		{"room deleted", nil, 0, 1},
		// cleanup retries the deletion after the direct disconnect
		{"fallback to disconnect", errors.New("twirp unavailable"), 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, time.Second)
			h.rooms.err = tt.roomErr
			c, p := h.open(t, "call-1")
			waitSays(t, p, 1)

			result, err := h.manager.EndCall(context.Background(), "call-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != EndCallResult {
				t.Errorf("expected %q, got %q", EndCallResult, result)
			}
			waitDone(t, c)

			if got := len(p.disconnected()); got != tt.wantDisconnects {
				t.Errorf("expected %d disconnects, got %d", tt.wantDisconnects, got)
			}
			if got := h.rooms.calls.Load(); got != tt.wantRoomCalls {
				t.Errorf("expected %d room deletions, got %d", tt.wantRoomCalls, got)
			}
			conv, _ := h.store.Get(context.Background(), "call-1")
			if conv.Status != types.CallStatusYetToEvaluate {
				t.Errorf("expected yet_to_evaluate, got %s", conv.Status)
			}
			if _, err := h.manager.EndCall(context.Background(), "call-1"); !errors.Is(err, ErrSessionNotFound) {
				t.Errorf("expected ErrSessionNotFound after termination, got %v", err)
			}
		})
	}
}

func TestStaleTurnAfterHangupIgnored(t *testing.T) {
	h := newHarness(t, time.Second)
	c, p := h.open(t, "call-1")
	waitSays(t, p, 1)

	_ = c.ParticipantDisconnected()
	waitDone(t, c)

	if err := c.TurnCompleted("late utterance"); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("expected ErrSessionTerminated, got %v", err)
	}
	if _, err := c.RequestTransfer(context.Background()); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("expected ErrSessionTerminated, got %v", err)
	}

	conv, _ := h.store.Get(context.Background(), "call-1")
	if len(conv.Messages) != 1 {
		t.Errorf("expected no transcript growth after hangup, got %d", len(conv.Messages))
	}
	if conv.StepIndex != 1 {
		t.Errorf("expected step unchanged, got %d", conv.StepIndex)
	}
	if c.Outcome() != "hangup" {
		t.Errorf("expected hangup, got %s", c.Outcome())
	}
}

func TestClosedCallCannotReopen(t *testing.T) {
	h := newHarness(t, time.Second)
	c, p := h.open(t, "call-1")
	waitSays(t, p, 1)
	_ = c.ParticipantDisconnected()
	waitDone(t, c)

	_, err := h.manager.Open(context.Background(), OpenRequest{CallID: "call-1"}, &fakePipeline{})
	if !errors.Is(err, storage.ErrCallClosed) {
		t.Errorf("expected ErrCallClosed, got %v", err)
	}
}

func TestHangupAndShutdownCleanOnce(t *testing.T) {
	h := newHarness(t, time.Second)
	c, p := h.open(t, "call-1")
	waitSays(t, p, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = c.ParticipantDisconnected()
	}()
	go func() {
		defer wg.Done()
		_ = h.manager.Shutdown(context.Background())
	}()
	wg.Wait()
	waitDone(t, c)

	if got := h.rooms.calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 room deletion, got %d", got)
	}
}

func TestShutdownFinalizesAllSessions(t *testing.T) {
	h := newHarness(t, time.Second)
	_, p1 := h.open(t, "call-1")
	_, p2 := h.open(t, "call-2")
	waitSays(t, p1, 1)
	waitSays(t, p2, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.manager.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	for _, id := range []string{"call-1", "call-2"} {
		conv, _ := h.store.Get(context.Background(), id)
		if conv.Status != types.CallStatusYetToEvaluate {
			t.Errorf("%s: expected yet_to_evaluate, got %s", id, conv.Status)
		}
	}
	if h.manager.Active() != 0 {
		t.Errorf("expected no live sessions, got %d", h.manager.Active())
	}
	if _, err := h.manager.Open(context.Background(), OpenRequest{CallID: "call-3"}, &fakePipeline{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestTransportLostGracePeriod(t *testing.T) {
	t.Run("no reconnection finalizes", func(t *testing.T) {
		h := newHarness(t, 20*time.Millisecond)
		c, p := h.open(t, "call-1")
		waitSays(t, p, 1)

		h.manager.TransportLost(c)
		waitDone(t, c)
		if c.Outcome() != "hangup" {
			t.Errorf("expected hangup, got %s", c.Outcome())
		}
	})

	t.Run("reconnection within grace keeps call", func(t *testing.T) {
		h := newHarness(t, 100*time.Millisecond)
		c, p := h.open(t, "call-1")
		waitSays(t, p, 1)

		h.manager.TransportLost(c)
		second, _ := h.open(t, "call-1")
		waitDone(t, c)
		time.Sleep(150 * time.Millisecond)

		select {
		case <-second.Done():
			t.Errorf("expected reconnected session to stay live")
		default:
		}
		conv, _ := h.store.Get(context.Background(), "call-1")
		if conv.Status != types.CallStatusActive {
			t.Errorf("expected active, got %s", conv.Status)
		}
	})
}
