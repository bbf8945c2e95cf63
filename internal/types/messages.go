package types

// Message types exchanged with the speech pipeline over /ws/pipeline
const (
	MsgSessionStart            = "session_start"
	MsgTurnCompleted           = "turn_completed"
	MsgToolCall                = "tool_call"
	MsgParticipantDisconnected = "participant_disconnected"

	MsgSessionAck = "session_ack"
	MsgSay        = "say"
	MsgToolResult = "tool_result"
	MsgDisconnect = "disconnect"
	MsgError      = "error"
)

// Tool names the conversational layer may dispatch
const (
	ToolTransferToAgent = "transfer_to_agent"
	ToolEndCall         = "end_call"
)

// SessionStart is the first message on a pipeline connection
type SessionStart struct {
	Type                string `json:"type"` // "session_start"
	CallID              string `json:"callId"`
	Room                string `json:"room"`
	ParticipantIdentity string `json:"participantIdentity"`
}

// TurnCompleted carries one finished caller utterance
type TurnCompleted struct {
	Type string `json:"type"` // "turn_completed"
	Text string `json:"text"`
}

// ToolCall asks the orchestrator to run a named capability
type ToolCall struct {
	Type      string `json:"type"` // "tool_call"
	RequestID string `json:"requestId"`
	Name      string `json:"name"`
}

// ParticipantDisconnected reports the caller left the room
type ParticipantDisconnected struct {
	Type     string `json:"type"` // "participant_disconnected"
	Identity string `json:"identity,omitempty"`
}

// SessionAck confirms a session was opened or resumed
type SessionAck struct {
	Type        string `json:"type"` // "session_ack"
	CallID      string `json:"callId"`
	StepIndex   int    `json:"stepIndex"`
	Reconnected bool   `json:"reconnected"`
}

// Say asks the pipeline to speak a line
type Say struct {
	Type      string `json:"type"` // "say"
	Text      string `json:"text"`
	StepIndex int    `json:"stepIndex"`
}

// ToolResult answers a ToolCall
type ToolResult struct {
	Type      string `json:"type"` // "tool_result"
	RequestID string `json:"requestId"`
	Result    string `json:"result"`
}

// Disconnect tells the pipeline to leave the room
type Disconnect struct {
	Type   string `json:"type"` // "disconnect"
	Reason string `json:"reason"`
}

// ErrorMessage reports a protocol error to the pipeline
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}
