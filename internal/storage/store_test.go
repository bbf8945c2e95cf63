package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "calls.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to open bolt store: %v", err)
	}
	t.Cleanup(func() { _ = bolt.Close(context.Background()) })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func msg(role types.Role, text string) types.Message {
	return types.Message{Role: role, Text: text, Timestamp: time.Now().UTC()}
}

func TestAppendMessageCreatesDocument(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			meta := types.CallMeta{Name: "Asha", PhoneNo: "+15550001", Room: "room-1"}
			if err := s.AppendMessage(ctx, "call-1", meta, msg(types.RoleAssistant, "hello")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := s.AppendMessage(ctx, "call-1", types.CallMeta{Name: "ignored"}, msg(types.RoleUser, "hi")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			conv, err := s.Get(ctx, "call-1")
			if err != nil {
				t.Fatalf("failed to get: %v", err)
			}
			if conv.Status != types.CallStatusActive {
				t.Errorf("expected status active, got %s", conv.Status)
			}
			if conv.Name != "Asha" {
				t.Errorf("expected name set on insert only, got %s", conv.Name)
			}
			if conv.StepIndex != 1 {
				t.Errorf("expected step index 1, got %d", conv.StepIndex)
			}
			if len(conv.Messages) != 2 {
				t.Fatalf("expected 2 messages, got %d", len(conv.Messages))
			}
			if conv.Messages[1].Role != types.RoleUser {
				t.Errorf("expected second message from user, got %s", conv.Messages[1].Role)
			}
		})
	}
}

func TestWritesRefusedAfterActive(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.AppendMessage(ctx, "call-1", types.CallMeta{}, msg(types.RoleUser, "hi")); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			ok, err := s.TransitionStatus(ctx, "call-1", types.CallStatusActive, types.CallStatusYetToEvaluate, types.StatusUpdate{})
			if err != nil || !ok {
				t.Fatalf("expected transition, got ok=%v err=%v", ok, err)
			}

			err = s.AppendMessage(ctx, "call-1", types.CallMeta{}, msg(types.RoleUser, "late"))
			if !errors.Is(err, ErrCallClosed) {
				t.Errorf("expected ErrCallClosed on append, got %v", err)
			}
			err = s.SetStepIndex(ctx, "call-1", 5)
			if !errors.Is(err, ErrCallClosed) {
				t.Errorf("expected ErrCallClosed on step update, got %v", err)
			}

			conv, _ := s.Get(ctx, "call-1")
			if len(conv.Messages) != 1 {
				t.Errorf("expected 1 message, got %d", len(conv.Messages))
			}
			if conv.StepIndex != 1 {
				t.Errorf("expected step index unchanged, got %d", conv.StepIndex)
			}
		})
	}
}

func TestTransitionStatus(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.TransitionStatus(ctx, "missing", types.CallStatusActive, types.CallStatusYetToEvaluate, types.StatusUpdate{}); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			_ = s.Seed(ctx, &types.Conversation{CallID: "call-1"})

			// backwards and skipping transitions are refused
			if ok, _ := s.TransitionStatus(ctx, "call-1", types.CallStatusActive, types.CallStatusCompleted, types.StatusUpdate{}); ok {
				t.Errorf("expected active -> completed to be refused")
			}

			ended := time.Now().UTC()
			ok, err := s.TransitionStatus(ctx, "call-1", types.CallStatusActive, types.CallStatusYetToEvaluate, types.StatusUpdate{EndedAt: &ended})
			if err != nil || !ok {
				t.Fatalf("expected transition, got ok=%v err=%v", ok, err)
			}
			if ok, _ := s.TransitionStatus(ctx, "call-1", types.CallStatusActive, types.CallStatusYetToEvaluate, types.StatusUpdate{}); ok {
				t.Errorf("expected second transition from active to lose")
			}

			eval := &types.Evaluation{Sentiment: "positive", InterestLevel: 8}
			ok, err = s.TransitionStatus(ctx, "call-1", types.CallStatusYetToEvaluate, types.CallStatusCompleted, types.StatusUpdate{Evaluation: eval, HotLead: true})
			if err != nil || !ok {
				t.Fatalf("expected transition, got ok=%v err=%v", ok, err)
			}

			conv, _ := s.Get(ctx, "call-1")
			if conv.Status != types.CallStatusCompleted {
				t.Errorf("expected completed, got %s", conv.Status)
			}
			if conv.EndedAt == nil {
				t.Errorf("expected endedAt to be set")
			}
			if !conv.HotLead || conv.Evaluation == nil || conv.Evaluation.InterestLevel != 8 {
				t.Errorf("expected evaluation to be stored, got %+v", conv.Evaluation)
			}
		})
	}
}

func TestConcurrentTransitionSingleWinner(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Seed(ctx, &types.Conversation{CallID: "call-1"})

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.TransitionStatus(ctx, "call-1", types.CallStatusActive, types.CallStatusYetToEvaluate, types.StatusUpdate{})
					if err != nil {
						t.Errorf("unexpected error: %v", err)
					}
					if ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			if wins != 1 {
				t.Errorf("expected exactly 1 winner, got %d", wins)
			}
		})
	}
}

func TestSeedKeepsExisting(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed := &types.Conversation{
				CallID:      "call-2",
				StepIndex:   4,
				Messages:    []types.Message{msg(types.RoleAssistant, "earlier")},
				ResumedFrom: "call-1",
			}
			if err := s.Seed(ctx, seed); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := s.Seed(ctx, &types.Conversation{CallID: "call-2", StepIndex: 1}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			conv, _ := s.Get(ctx, "call-2")
			if conv.StepIndex != 4 {
				t.Errorf("expected step index 4, got %d", conv.StepIndex)
			}
			if conv.ResumedFrom != "call-1" {
				t.Errorf("expected resumedFrom call-1, got %s", conv.ResumedFrom)
			}
			if conv.Status != types.CallStatusActive {
				t.Errorf("expected active, got %s", conv.Status)
			}
		})
	}
}

func TestFindLatestByPhone(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			docs := []types.Conversation{
				{CallID: "old", PhoneNo: "555", Status: types.CallStatusCompleted, CreatedAt: now.Add(-48 * time.Hour)},
				{CallID: "recent", PhoneNo: "555", Status: types.CallStatusYetToEvaluate, CreatedAt: now.Add(-time.Hour), StepIndex: 6},
				{CallID: "older", PhoneNo: "555", Status: types.CallStatusCompleted, CreatedAt: now.Add(-2 * time.Hour)},
				{CallID: "live", PhoneNo: "555", Status: types.CallStatusActive, CreatedAt: now},
				{CallID: "other", PhoneNo: "777", Status: types.CallStatusCompleted, CreatedAt: now},
			}
			for i := range docs {
				if err := s.Seed(ctx, &docs[i]); err != nil {
					t.Fatalf("seed failed: %v", err)
				}
			}

			conv, err := s.FindLatestByPhone(ctx, "555", now.Add(-24*time.Hour))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if conv.CallID != "recent" {
				t.Errorf("expected recent, got %s", conv.CallID)
			}

			if _, err := s.FindLatestByPhone(ctx, "999", now.Add(-24*time.Hour)); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestListing(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i, id := range []string{"a", "b", "c"} {
				_ = s.Seed(ctx, &types.Conversation{
					CallID:    id,
					Status:    types.CallStatusYetToEvaluate,
					CreatedAt: now.Add(time.Duration(i) * time.Minute),
				})
			}
			_ = s.Seed(ctx, &types.Conversation{CallID: "d", CreatedAt: now.Add(time.Hour)})

			pending, err := s.ListByStatus(ctx, types.CallStatusYetToEvaluate, 2)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(pending) != 2 || pending[0].CallID != "a" || pending[1].CallID != "b" {
				t.Errorf("expected [a b] oldest first, got %+v", pending)
			}

			recent, err := s.ListRecent(ctx, 10)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(recent) != 4 || recent[0].CallID != "d" {
				t.Errorf("expected d first of 4, got %d items", len(recent))
			}
		})
	}
}

func TestRecordingAndEscalation(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SetRecording(ctx, "missing", "x.mp3", "EG_1", ""); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
			_ = s.Seed(ctx, &types.Conversation{CallID: "call-1", Status: types.CallStatusYetToEvaluate})

			// recording metadata may land after the call already ended
			if err := s.SetRecording(ctx, "call-1", "call-1.mp3", "EG_1", ""); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			at := time.Now().UTC()
			if err := s.SetEscalation(ctx, "call-1", &at, ""); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			conv, _ := s.Get(ctx, "call-1")
			if conv.RecordingFile != "call-1.mp3" || conv.EgressID != "EG_1" {
				t.Errorf("expected recording reference, got %s / %s", conv.RecordingFile, conv.EgressID)
			}
			if conv.EscalatedAt == nil {
				t.Errorf("expected escalatedAt to be set")
			}
		})
	}
}

func TestEscalationClaim(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_ = s.Seed(ctx, &types.Conversation{CallID: "hot", Status: types.CallStatusCompleted, HotLead: true, CreatedAt: now})
			_ = s.Seed(ctx, &types.Conversation{CallID: "cold", Status: types.CallStatusCompleted, CreatedAt: now})
			_ = s.Seed(ctx, &types.Conversation{CallID: "waiting", Status: types.CallStatusYetToEvaluate, HotLead: true, CreatedAt: now})

			pending, err := s.ListPendingEscalations(ctx, 3, 10)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(pending) != 1 || pending[0].CallID != "hot" {
				t.Fatalf("expected only hot pending, got %+v", pending)
			}

			first := now.Add(time.Second)
			ok, err := s.ClaimEscalation(ctx, "hot", nil, first)
			if err != nil || !ok {
				t.Fatalf("expected first claim to win, got %v %v", ok, err)
			}
			// a second worker still holding the unclaimed copy loses
			if ok, _ := s.ClaimEscalation(ctx, "hot", nil, now.Add(2*time.Second)); ok {
				t.Fatal("expected stale claim to lose")
			}
			if _, err := s.ClaimEscalation(ctx, "missing", nil, now); !errors.Is(err, ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}

			// a failed attempt releases the claim for the next cycle
			if err := s.SetEscalation(ctx, "hot", nil, "crm returned 502"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			conv, _ := s.Get(ctx, "hot")
			if conv.EscalationClaimedAt != nil || conv.EscalationAttempts != 1 {
				t.Errorf("expected released claim after 1 attempt, got %v / %d", conv.EscalationClaimedAt, conv.EscalationAttempts)
			}
			if ok, _ := s.ClaimEscalation(ctx, "hot", nil, now.Add(3*time.Second)); !ok {
				t.Fatal("expected released lead to be claimable")
			}
			if pending, _ := s.ListPendingEscalations(ctx, 2, 10); len(pending) != 0 {
				t.Errorf("expected attempt cap to hide the lead, got %d", len(pending))
			}

			at := now.Add(4 * time.Second)
			if err := s.SetEscalation(ctx, "hot", &at, ""); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok, _ := s.ClaimEscalation(ctx, "hot", nil, now.Add(5*time.Second)); ok {
				t.Error("expected escalated lead to refuse claims")
			}
			if pending, _ := s.ListPendingEscalations(ctx, 0, 10); len(pending) != 0 {
				t.Errorf("expected no pending escalations, got %d", len(pending))
			}
		})
	}
}
