package storage

import (
	"context"
	"sync"
	"time"

	"github.com/greettech/recruitcall/internal/types"
)

// MemoryStore keeps conversation documents in process memory. Used for
// development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*types.Conversation
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs: make(map[string]*types.Conversation),
		now:   time.Now,
	}
}

func (s *MemoryStore) Seed(_ context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conv.CallID]; ok {
		return nil
	}
	c := cloneConversation(conv)
	if c.Status == "" {
		c.Status = types.CallStatusActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.convs[conv.CallID] = c
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, callID string, meta types.CallMeta, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[callID]
	if !ok {
		conv = newConversation(callID, meta, s.now())
		s.convs[callID] = conv
	}
	return appendMessage(conv, msg)
}

func (s *MemoryStore) SetStepIndex(_ context.Context, callID string, stepIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[callID]
	if !ok {
		return ErrNotFound
	}
	return setStepIndex(conv, stepIndex)
}

func (s *MemoryStore) SetRecording(_ context.Context, callID, recordingFile, egressID, recordingErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[callID]
	if !ok {
		return ErrNotFound
	}
	setRecording(conv, recordingFile, egressID, recordingErr)
	return nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, callID string, from, to types.CallStatus, update types.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[callID]
	if !ok {
		return false, ErrNotFound
	}
	return transition(conv, from, to, update), nil
}

func (s *MemoryStore) SetEscalation(_ context.Context, callID string, escalatedAt *time.Time, escalationErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[callID]
	if !ok {
		return ErrNotFound
	}
	setEscalation(conv, escalatedAt, escalationErr)
	return nil
}

func (s *MemoryStore) ClaimEscalation(_ context.Context, callID string, observed *time.Time, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[callID]
	if !ok {
		return false, ErrNotFound
	}
	return claimEscalation(conv, observed, at), nil
}

func (s *MemoryStore) Get(_ context.Context, callID string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

func (s *MemoryStore) FindLatestByPhone(_ context.Context, phone string, since time.Time) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.Conversation
	for _, conv := range s.convs {
		if !matchesPhone(conv, phone, since) {
			continue
		}
		if latest == nil || conv.CreatedAt.After(latest.CreatedAt) {
			latest = conv
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneConversation(latest), nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status types.CallStatus, limit int) ([]types.Conversation, error) {
	s.mu.RLock()
	out := make([]types.Conversation, 0)
	for _, conv := range s.convs {
		if conv.Status == status {
			out = append(out, *cloneConversation(conv))
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListPendingEscalations(_ context.Context, maxAttempts, limit int) ([]types.Conversation, error) {
	s.mu.RLock()
	out := make([]types.Conversation, 0)
	for _, conv := range s.convs {
		if pendingEscalation(conv, maxAttempts) {
			out = append(out, *cloneConversation(conv))
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]types.Conversation, error) {
	s.mu.RLock()
	out := make([]types.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, *cloneConversation(conv))
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (s *MemoryStore) Close(_ context.Context) error { return nil }
