package callsim

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/greettech/recruitcall/internal/cleanup"
	"github.com/greettech/recruitcall/internal/config"
	"github.com/greettech/recruitcall/internal/leadapi"
	"github.com/greettech/recruitcall/internal/script"
	"github.com/greettech/recruitcall/internal/session"
	"github.com/greettech/recruitcall/internal/storage"
	"github.com/greettech/recruitcall/internal/transfer"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/greettech/recruitcall/internal/websocket"
	"github.com/rs/zerolog"
)

// backend stands in for the lead API and the telephony server
type backend struct {
	agentFree bool
	dials     atomic.Int32
	deletes   atomic.Int32
}

func (b *backend) ResolveLead(_ context.Context, callID string) types.Lead {
	return types.Lead{CallID: callID, Name: "Asha", Phone: types.DefaultPhoneNo}
}

func (b *backend) FindAgent(context.Context) (types.LiveAgent, error) {
	if !b.agentFree {
		return types.LiveAgent{}, leadapi.ErrNoAgentsAvailable
	}
	return types.LiveAgent{User: "agent7", Ext: "207"}, nil
}

func (b *backend) Transfer(context.Context, string, string, string) error {
	b.dials.Add(1)
	return nil
}

func (b *backend) DeleteRoom(context.Context, string) error {
	b.deletes.Add(1)
	return nil
}

type orchestrator struct {
	url     string
	store   *storage.MemoryStore
	backend *backend
}

func newOrchestrator(t *testing.T, agentFree bool) *orchestrator {
	t.Helper()
	logger := zerolog.Nop()
	store := storage.NewMemoryStore()
	b := &backend{agentFree: agentFree}

	cleaner := cleanup.NewCoordinator(store, nil, b, cleanup.Options{
		RetryBase:         time.Millisecond,
		MaxRetries:        1,
		SideEffectTimeout: time.Second,
		Retention:         time.Minute,
	}, nil, logger)
	transferer := transfer.NewCoordinator(b, b, transfer.Options{
		DialTimeout:   time.Second,
		AnnounceDelay: time.Millisecond,
		SettleDelay:   time.Millisecond,
	}, nil, logger)

	manager := session.NewManager(session.Deps{
		Store: store,
		Leads: b,
		Script: script.New([]types.ScriptStep{
			{Index: 1, Text: "Hi, may I speak with {{candidate_name}}?"},
			{Index: 2, Text: "Are you open to new roles?"},
			{Index: 3, Text: "When could you start?"},
		}),
		Transfer: transferer,
		Cleanup:  cleaner,
		Rooms:    b,
	}, 20*time.Millisecond, logger)

	cfg := &config.Config{
		PongWait:       time.Minute,
		PingPeriod:     54 * time.Second,
		WriteWait:      time.Second,
		MaxMessageSize: 64 * 1024,
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub := websocket.NewHub(nil, logger)
	go hub.Run(ctx)

	srv := httptest.NewServer(websocket.NewHandler(hub, manager, cfg, logger))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &orchestrator{url: srv.URL, store: store, backend: b}
}

func (o *orchestrator) waitStatus(t *testing.T, callID string, want types.CallStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conv, err := o.store.Get(context.Background(), callID); err == nil && conv.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	conv, _ := o.store.Get(context.Background(), callID)
	t.Fatalf("call %s never reached %s, last %+v", callID, want, conv)
}

func runScenario(t *testing.T, o *orchestrator, sc Scenario) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := NewCaller(o.url, zerolog.Nop()).Run(ctx, sc)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	return res
}

func TestCallerHangup(t *testing.T) {
	o := newOrchestrator(t, false)
	sc := NewScenario(2, EndingHangup)

	res := runScenario(t, o, sc)

	// greeting plus one line per answered turn
	if res.Lines != 3 {
		t.Errorf("expected 3 lines, got %d", res.Lines)
	}
	o.waitStatus(t, sc.CallID, types.CallStatusYetToEvaluate)

	conv, _ := o.store.Get(context.Background(), sc.CallID)
	if len(conv.Messages) != 5 {
		t.Errorf("expected 5 transcript messages, got %d", len(conv.Messages))
	}
}

func TestCallerEndCall(t *testing.T) {
	o := newOrchestrator(t, false)
	sc := NewScenario(1, EndingEndCall)

	res := runScenario(t, o, sc)

	if res.ToolResult != session.EndCallResult {
		t.Errorf("expected %q, got %q", session.EndCallResult, res.ToolResult)
	}
	o.waitStatus(t, sc.CallID, types.CallStatusYetToEvaluate)
	if o.backend.deletes.Load() == 0 {
		t.Error("expected the room to be deleted")
	}
}

func TestCallerTransferBusy(t *testing.T) {
	o := newOrchestrator(t, false)
	sc := NewScenario(1, EndingTransfer)

	res := runScenario(t, o, sc)

	if res.ToolResult != transfer.LineBusy {
		t.Errorf("expected busy line, got %q", res.ToolResult)
	}
	if res.Disconnect != "" {
		t.Errorf("expected no disconnect, got %q", res.Disconnect)
	}
	o.waitStatus(t, sc.CallID, types.CallStatusYetToEvaluate)
}

func TestCallerTransferred(t *testing.T) {
	o := newOrchestrator(t, true)
	sc := NewScenario(1, EndingTransfer)

	res := runScenario(t, o, sc)

	if res.Disconnect != "transferred" {
		t.Errorf("expected transferred disconnect, got %q", res.Disconnect)
	}
	if o.backend.dials.Load() != 1 {
		t.Errorf("expected 1 dial, got %d", o.backend.dials.Load())
	}
	o.waitStatus(t, sc.CallID, types.CallStatusYetToEvaluate)
}

func TestCallerDrop(t *testing.T) {
	o := newOrchestrator(t, false)
	sc := NewScenario(1, EndingDrop)

	runScenario(t, o, sc)

	// the grace period runs out without a reconnect
	o.waitStatus(t, sc.CallID, types.CallStatusYetToEvaluate)
}

func TestCallerDialFailure(t *testing.T) {
	_, err := NewCaller("http://127.0.0.1:1", zerolog.Nop()).Run(context.Background(), NewScenario(1, EndingHangup))
	if err == nil {
		t.Error("expected dial error")
	}
}

func TestPipelineURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws/pipeline"},
		{"https://calls.example.com/", "wss://calls.example.com/ws/pipeline"},
		{"ws://10.0.0.5:8080", "ws://10.0.0.5:8080/ws/pipeline"},
	}
	for _, tt := range tests {
		if got := pipelineURL(tt.in); got != tt.want {
			t.Errorf("pipelineURL(%q): expected %s, got %s", tt.in, tt.want, got)
		}
	}
}
