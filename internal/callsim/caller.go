package callsim

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

const writeTimeout = 10 * time.Second

// Ending is how a simulated call finishes
type Ending string

const (
	// EndingHangup leaves the room after the turns are spoken
	EndingHangup Ending = "hangup"
	// EndingEndCall asks the assistant to end the call
	EndingEndCall Ending = "end_call"
	// EndingTransfer asks for a human agent
	EndingTransfer Ending = "transfer"
	// EndingDrop cuts the transport without a goodbye
	EndingDrop Ending = "drop"
)

// Scenario describes one simulated caller
type Scenario struct {
	CallID  string
	Room    string
	Turns   int
	Answers []string
	Ending  Ending
	// Pause is the simulated speaking time per turn
	Pause time.Duration
}

// Result summarizes a finished simulated call
type Result struct {
	CallID     string
	Ending     Ending
	Lines      int
	ToolResult string
	Disconnect string
}

// ErrProtocol is returned when the orchestrator answers out of order
var ErrProtocol = errors.New("unexpected message from orchestrator")

var defaultAnswers = []string{
	"Yes, speaking.",
	"Sure, I have a few minutes.",
	"I'm open to new opportunities.",
	"Something in operations, ideally.",
	"About six years.",
	"Full time works for me.",
	"Hybrid would be best.",
	"Somewhere around the market rate.",
	"I could start in a month.",
}

// NewScenario returns a scenario with a fresh call id
func NewScenario(turns int, ending Ending) Scenario {
	id := uuid.NewString()
	return Scenario{
		CallID:  id,
		Room:    "sim-" + id[:8],
		Turns:   turns,
		Answers: defaultAnswers,
		Ending:  ending,
	}
}

// Caller plays one Scenario against the pipeline websocket
type Caller struct {
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewCaller creates a caller for the orchestrator at backendURL
func NewCaller(backendURL string, logger zerolog.Logger) *Caller {
	return &Caller{
		url:    pipelineURL(backendURL),
		dialer: websocket.DefaultDialer,
		logger: logger.With().Str("component", "caller").Logger(),
	}
}

func pipelineURL(backendURL string) string {
	u := strings.TrimRight(backendURL, "/") + "/ws/pipeline"
	// Convert http:// to ws:// or https:// to wss://
	if strings.HasPrefix(u, "http") {
		u = "ws" + u[len("http"):]
	}
	return u
}

// Run dials the orchestrator and plays sc until the call ends
func (c *Caller) Run(ctx context.Context, sc Scenario) (Result, error) {
	log := c.logger.With().Str("call_id", sc.CallID).Str("ending", string(sc.Ending)).Logger()
	res := Result{CallID: sc.CallID, Ending: sc.Ending}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return res, fmt.Errorf("failed to dial pipeline: %w", err)
	}
	defer conn.Close()

	// unblock reads when the simulation is stopped
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := writeJSON(conn, types.SessionStart{
		Type:                types.MsgSessionStart,
		CallID:              sc.CallID,
		Room:                sc.Room,
		ParticipantIdentity: "sip_" + sc.CallID[:8],
	}); err != nil {
		return res, err
	}

	turns := 0
	pendingTool := ""
	for {
		var env struct {
			Type    string `json:"type"`
			Text    string `json:"text"`
			Result  string `json:"result"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Int("lines", res.Lines).Msg("orchestrator closed the call")
				return res, nil
			}
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("failed to read from pipeline: %w", err)
		}

		switch env.Type {
		case types.MsgSessionAck:
		case types.MsgSay:
			res.Lines++
			if pendingTool != "" {
				// the transfer announcement or a failure notice
				continue
			}
			if turns >= sc.Turns {
				done, err := c.finish(conn, sc, &pendingTool)
				if err != nil || done {
					return res, err
				}
				continue
			}
			if !sleep(ctx, sc.Pause) {
				return res, ctx.Err()
			}
			if err := writeJSON(conn, types.TurnCompleted{
				Type: types.MsgTurnCompleted,
				Text: sc.answer(turns),
			}); err != nil {
				return res, err
			}
			turns++
		case types.MsgToolResult:
			res.ToolResult = env.Result
			pendingTool = ""
			if sc.Ending == EndingTransfer && res.Disconnect == "" {
				// transfer failed; hang up after hearing the apology
				if err := writeJSON(conn, types.ParticipantDisconnected{Type: types.MsgParticipantDisconnected}); err != nil {
					return res, err
				}
			}
		case types.MsgDisconnect:
			res.Disconnect = env.Reason
		case types.MsgError:
			return res, fmt.Errorf("%w: %s", ErrProtocol, env.Message)
		default:
			log.Debug().Str("type", env.Type).Msg("ignoring message")
		}
	}
}

// finish plays the scenario's ending. It reports done when the caller
// should stop reading.
func (c *Caller) finish(conn *websocket.Conn, sc Scenario, pendingTool *string) (bool, error) {
	switch sc.Ending {
	case EndingDrop:
		// no close frame, the orchestrator sees a dead transport
		conn.UnderlyingConn().Close()
		return true, nil
	case EndingEndCall, EndingTransfer:
		name := types.ToolEndCall
		if sc.Ending == EndingTransfer {
			name = types.ToolTransferToAgent
		}
		*pendingTool = uuid.NewString()
		return false, writeJSON(conn, types.ToolCall{
			Type:      types.MsgToolCall,
			RequestID: *pendingTool,
			Name:      name,
		})
	default:
		return false, writeJSON(conn, types.ParticipantDisconnected{Type: types.MsgParticipantDisconnected})
	}
}

func (sc Scenario) answer(turn int) string {
	if len(sc.Answers) == 0 {
		return "Yes."
	}
	return sc.Answers[turn%len(sc.Answers)]
}

func writeJSON(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write to pipeline: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
