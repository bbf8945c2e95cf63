package storage

import (
	"sort"
	"time"

	"github.com/greettech/recruitcall/internal/types"
)

// The helpers below implement document mutations for backends that hold the
// whole document under one lock or transaction (memory, bbolt).

func newConversation(callID string, meta types.CallMeta, now time.Time) *types.Conversation {
	return &types.Conversation{
		CallID:    callID,
		Status:    types.CallStatusActive,
		StepIndex: 1,
		Name:      meta.Name,
		PhoneNo:   meta.PhoneNo,
		Room:      meta.Room,
		CreatedAt: now,
	}
}

func appendMessage(conv *types.Conversation, msg types.Message) error {
	if !conv.Status.Active() {
		return ErrCallClosed
	}
	conv.Messages = append(conv.Messages, msg)
	return nil
}

func setStepIndex(conv *types.Conversation, stepIndex int) error {
	if !conv.Status.Active() {
		return ErrCallClosed
	}
	conv.StepIndex = stepIndex
	return nil
}

func setRecording(conv *types.Conversation, recordingFile, egressID, recordingErr string) {
	if recordingFile != "" {
		conv.RecordingFile = recordingFile
	}
	if egressID != "" {
		conv.EgressID = egressID
	}
	conv.RecordingError = recordingErr
}

func transition(conv *types.Conversation, from, to types.CallStatus, update types.StatusUpdate) bool {
	current := conv.Status
	if current == "" {
		current = types.CallStatusActive
	}
	if current != from || !types.CanTransition(from, to) {
		return false
	}
	conv.Status = to
	update.Apply(conv)
	return true
}

func setEscalation(conv *types.Conversation, escalatedAt *time.Time, escalationErr string) {
	if escalatedAt != nil {
		conv.EscalatedAt = escalatedAt
	}
	conv.EscalationError = escalationErr
	conv.EscalationClaimedAt = nil
}

func claimEscalation(conv *types.Conversation, observed *time.Time, at time.Time) bool {
	if conv.Status != types.CallStatusCompleted || conv.EscalatedAt != nil || !sameTime(conv.EscalationClaimedAt, observed) {
		return false
	}
	conv.EscalationClaimedAt = &at
	conv.EscalationAttempts++
	return true
}

func pendingEscalation(conv *types.Conversation, maxAttempts int) bool {
	if conv.Status != types.CallStatusCompleted || !conv.HotLead || conv.EscalatedAt != nil {
		return false
	}
	return maxAttempts <= 0 || conv.EscalationAttempts < maxAttempts
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cloneConversation(conv *types.Conversation) *types.Conversation {
	out := *conv
	out.Messages = append([]types.Message(nil), conv.Messages...)
	if conv.Evaluation != nil {
		ev := *conv.Evaluation
		out.Evaluation = &ev
	}
	if conv.EscalationClaimedAt != nil {
		at := *conv.EscalationClaimedAt
		out.EscalationClaimedAt = &at
	}
	return &out
}

func matchesPhone(conv *types.Conversation, phone string, since time.Time) bool {
	return conv.PhoneNo == phone && !conv.Status.Active() && !conv.CreatedAt.Before(since)
}

func sortOldestFirst(convs []types.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].CreatedAt.Before(convs[j].CreatedAt) })
}

func sortNewestFirst(convs []types.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool { return convs[i].CreatedAt.After(convs[j].CreatedAt) })
}

func truncate(convs []types.Conversation, limit int) []types.Conversation {
	if limit > 0 && len(convs) > limit {
		return convs[:limit]
	}
	return convs
}
