package types

import "time"

// CallStatus represents the lifecycle state of a conversation document
type CallStatus string

const (
	CallStatusActive             CallStatus = "active"               // Call in progress
	CallStatusYetToEvaluate      CallStatus = "yet_to_evaluate"      // Finalized, waiting for the evaluator
	CallStatusCompleted          CallStatus = "completed"            // Evaluated
	CallStatusSkippedMissingData CallStatus = "skipped_missing_data" // No name or no transcript
	CallStatusSkippedTooShort    CallStatus = "skipped_too_short"    // Transcript below the turn threshold
	CallStatusSkippedResumed     CallStatus = "skipped_resumed"      // Transcript carried into a reconnected call
	CallStatusFailedError        CallStatus = "failed_error"         // Evaluation raised or returned garbage
)

// Active reports whether the call still accepts transcript writes
func (s CallStatus) Active() bool {
	return s == CallStatusActive || s == ""
}

// Evaluated reports whether the evaluation worker is done with the call
func (s CallStatus) Evaluated() bool {
	switch s {
	case CallStatusCompleted, CallStatusSkippedMissingData, CallStatusSkippedTooShort, CallStatusSkippedResumed, CallStatusFailedError:
		return true
	}
	return false
}

// CanTransition enforces the forward-only status graph:
// active -> yet_to_evaluate -> completed | skipped_* | failed_error
func CanTransition(from, to CallStatus) bool {
	switch from {
	case CallStatusActive:
		return to == CallStatusYetToEvaluate
	case CallStatusYetToEvaluate:
		return to.Evaluated()
	}
	return false
}

// Role identifies who spoke a transcript line
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript line
type Message struct {
	Role      Role      `json:"role" bson:"role" dynamodbav:"Role"`
	Text      string    `json:"text" bson:"text" dynamodbav:"Text"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp" dynamodbav:"Timestamp"`
}

// CallMeta is the identity written once when the conversation document is created
type CallMeta struct {
	Name    string
	PhoneNo string
	Room    string
}

// Conversation is the persisted document for one call, keyed by CallID
type Conversation struct {
	CallID      string     `json:"callId" bson:"call_id" dynamodbav:"CallID"`
	Status      CallStatus `json:"status" bson:"status" dynamodbav:"Status"`
	StepIndex   int        `json:"stepIndex" bson:"step_index" dynamodbav:"StepIndex"`
	Messages    []Message  `json:"messages" bson:"messages" dynamodbav:"Messages"`
	Name        string     `json:"name" bson:"name" dynamodbav:"Name"`
	PhoneNo     string     `json:"phoneNo" bson:"phone_no" dynamodbav:"PhoneNo"`
	Room        string     `json:"room" bson:"room" dynamodbav:"Room"`
	ResumedFrom string     `json:"resumedFrom,omitempty" bson:"resumed_from,omitempty" dynamodbav:"ResumedFrom,omitempty"`
	CreatedAt   time.Time  `json:"createdAt" bson:"created_at" dynamodbav:"CreatedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty" bson:"ended_at,omitempty" dynamodbav:"EndedAt,omitempty"`

	RecordingFile  string `json:"recordingFile,omitempty" bson:"recording_file,omitempty" dynamodbav:"RecordingFile,omitempty"`
	EgressID       string `json:"egressId,omitempty" bson:"egress_id,omitempty" dynamodbav:"EgressID,omitempty"`
	RecordingError string `json:"recordingError,omitempty" bson:"recording_error,omitempty" dynamodbav:"RecordingError,omitempty"`

	Evaluation      *Evaluation `json:"evaluation,omitempty" bson:"evaluation,omitempty" dynamodbav:"Evaluation,omitempty"`
	HotLead         bool        `json:"hotLead" bson:"hot_lead" dynamodbav:"HotLead"`
	EvaluatedAt     *time.Time  `json:"evaluatedAt,omitempty" bson:"evaluated_at,omitempty" dynamodbav:"EvaluatedAt,omitempty"`
	EvaluationRaw   string      `json:"evaluationRaw,omitempty" bson:"evaluation_raw,omitempty" dynamodbav:"EvaluationRaw,omitempty"`
	EvaluationError string      `json:"evaluationError,omitempty" bson:"evaluation_error,omitempty" dynamodbav:"EvaluationError,omitempty"`
	EscalatedAt     *time.Time  `json:"escalatedAt,omitempty" bson:"escalated_at,omitempty" dynamodbav:"EscalatedAt,omitempty"`
	EscalationError string      `json:"escalationError,omitempty" bson:"escalation_error,omitempty" dynamodbav:"EscalationError,omitempty"`
	// EscalationClaimedAt is set while a worker is calling the escalation
	// endpoint and cleared once the outcome is recorded
	EscalationClaimedAt *time.Time `json:"escalationClaimedAt,omitempty" bson:"escalation_claimed_at,omitempty" dynamodbav:"EscalationClaimedAt,omitempty"`
	EscalationAttempts  int        `json:"escalationAttempts,omitempty" bson:"escalation_attempts,omitempty" dynamodbav:"EscalationAttempts,omitempty"`
}

// UserTurns counts caller utterances in the transcript
func (c *Conversation) UserTurns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// StatusUpdate carries the fields written together with a status transition.
// Zero values are left untouched.
type StatusUpdate struct {
	EndedAt         *time.Time
	Evaluation      *Evaluation
	HotLead         bool
	EvaluatedAt     *time.Time
	EvaluationRaw   string
	EvaluationError string
}

// Apply copies the non-zero fields of u onto c
func (u StatusUpdate) Apply(c *Conversation) {
	if u.EndedAt != nil {
		c.EndedAt = u.EndedAt
	}
	if u.Evaluation != nil {
		c.Evaluation = u.Evaluation
	}
	if u.HotLead {
		c.HotLead = true
	}
	if u.EvaluatedAt != nil {
		c.EvaluatedAt = u.EvaluatedAt
	}
	if u.EvaluationRaw != "" {
		c.EvaluationRaw = u.EvaluationRaw
	}
	if u.EvaluationError != "" {
		c.EvaluationError = u.EvaluationError
	}
}
