package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/greettech/recruitcall/internal/config"
	"github.com/greettech/recruitcall/internal/session"
	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

// ErrConnectionClosed is returned when writing to a closed pipeline connection
var ErrConnectionClosed = errors.New("pipeline connection closed")

// Sessions opens call sessions for pipeline connections
type Sessions interface {
	Open(ctx context.Context, req session.OpenRequest, p session.Pipeline) (*session.Controller, error)
	TransportLost(c *session.Controller)
}

// Client is one speech pipeline connection. It implements session.Pipeline
// so the call controller can speak through it.
type Client struct {
	// Unique connection ID
	id string

	// The hub this client belongs to
	hub *Hub

	sessions Sessions

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	config *config.Config
	logger zerolog.Logger

	// done is closed when the read pump exits
	done chan struct{}

	// closeOnce ensures send channel is closed only once
	closeOnce sync.Once

	mu         sync.Mutex
	controller *session.Controller
	// leftCleanly is set once the pipeline reported the caller left or
	// the controller told the pipeline to disconnect
	leftCleanly bool
	// toolsInFlight delays closing until pending tool results are written
	toolsInFlight int
}

// NewClient creates a new pipeline Client
func NewClient(hub *Hub, sessions Sessions, conn *websocket.Conn, cfg *config.Config, logger zerolog.Logger) *Client {
	clientID := uuid.New().String()
	return &Client{
		id:       clientID,
		hub:      hub,
		sessions: sessions,
		conn:     conn,
		send:     make(chan []byte, 64),
		config:   cfg,
		logger:   logger.With().Str("client_id", clientID).Logger(),
		done:     make(chan struct{}),
	}
}

// readPump pumps messages from the pipeline to the call controller
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		close(c.done)
		c.hub.Unregister(c)
		c.conn.Close()
		c.transportClosed()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("pipeline websocket read error")
			}
			break
		}
		c.handleMessage(message)
	}
}

// handleMessage dispatches one pipeline message
func (c *Client) handleMessage(message []byte) {
	var msgType struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msgType); err != nil {
		c.logger.Debug().Err(err).Msg("failed to parse message type")
		c.sendError("malformed message")
		return
	}

	switch msgType.Type {
	case types.MsgSessionStart:
		var start types.SessionStart
		if err := json.Unmarshal(message, &start); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse session_start message")
			c.sendError("malformed session_start")
			return
		}
		c.startSession(start)

	case types.MsgTurnCompleted:
		var turn types.TurnCompleted
		if err := json.Unmarshal(message, &turn); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse turn_completed message")
			return
		}
		ctrl := c.session()
		if ctrl == nil {
			c.sendError("no session")
			return
		}
		if err := ctrl.TurnCompleted(turn.Text); err != nil {
			c.logger.Debug().Err(err).Msg("turn dropped")
		}

	case types.MsgToolCall:
		var call types.ToolCall
		if err := json.Unmarshal(message, &call); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse tool_call message")
			return
		}
		ctrl := c.session()
		if ctrl == nil {
			c.sendError("no session")
			return
		}
		// tools can block for seconds; keep reading meanwhile
		c.mu.Lock()
		c.toolsInFlight++
		c.mu.Unlock()
		go c.runTool(ctrl, call)

	case types.MsgParticipantDisconnected:
		c.mu.Lock()
		c.leftCleanly = true
		ctrl := c.controller
		c.mu.Unlock()
		if ctrl != nil {
			if err := ctrl.ParticipantDisconnected(); err != nil {
				c.logger.Debug().Err(err).Msg("participant disconnect after session end")
			}
		}

	default:
		c.logger.Debug().Str("type", msgType.Type).Msg("unknown message type")
	}
}

func (c *Client) startSession(start types.SessionStart) {
	if c.session() != nil {
		c.sendError("session already started")
		return
	}

	req := session.OpenRequest{
		CallID:              start.CallID,
		Room:                start.Room,
		ParticipantIdentity: start.ParticipantIdentity,
	}
	ctrl, err := c.sessions.Open(context.Background(), req, c)
	if err != nil {
		c.logger.Warn().Err(err).Str("call_id", start.CallID).Msg("failed to open session")
		c.sendError(err.Error())
		c.Close()
		return
	}

	c.mu.Lock()
	c.controller = ctrl
	c.mu.Unlock()
	c.logger = c.logger.With().Str("call_id", start.CallID).Logger()
	go c.watch(ctrl)
}

// watch closes the connection once the session ends, e.g. after end-call
// deleted the room or a newer connection superseded this one
func (c *Client) watch(ctrl *session.Controller) {
	select {
	case <-ctrl.Done():
	case <-c.done:
		return
	}
	c.mu.Lock()
	pending := c.toolsInFlight
	c.mu.Unlock()
	if pending == 0 {
		c.Close()
	}
}

func (c *Client) runTool(ctrl *session.Controller, call types.ToolCall) {
	var (
		result string
		err    error
	)
	ctx := context.Background()

	switch call.Name {
	case types.ToolTransferToAgent:
		result, err = ctrl.RequestTransfer(ctx)
	case types.ToolEndCall:
		result, err = ctrl.RequestEndCall(ctx)
		if errors.Is(err, session.ErrSessionTerminated) {
			// the call is over either way
			result, err = session.EndCallResult, nil
		}
	default:
		result = "Unknown tool: " + call.Name
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("tool", call.Name).Msg("tool call failed")
		result = "Tool unavailable."
	}

	c.write(types.ToolResult{Type: types.MsgToolResult, RequestID: call.RequestID, Result: result})

	c.mu.Lock()
	c.toolsInFlight--
	pending := c.toolsInFlight
	c.mu.Unlock()
	if pending > 0 {
		return
	}
	select {
	case <-ctrl.Done():
		c.Close()
	default:
	}
}

// transportClosed hands an unexpected drop to the session manager
func (c *Client) transportClosed() {
	c.mu.Lock()
	ctrl := c.controller
	clean := c.leftCleanly
	c.mu.Unlock()

	if ctrl == nil || clean {
		return
	}
	select {
	case <-ctrl.Done():
		return
	default:
	}
	c.sessions.TransportLost(ctrl)
}

func (c *Client) session() *session.Controller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// Opened acknowledges the session to the pipeline
func (c *Client) Opened(_ context.Context, info session.OpenInfo) error {
	return c.write(types.SessionAck{
		Type:        types.MsgSessionAck,
		CallID:      info.CallID,
		StepIndex:   info.StepIndex,
		Reconnected: info.Reconnected,
	})
}

// Say asks the pipeline to speak text
func (c *Client) Say(_ context.Context, text string, stepIndex int) error {
	return c.write(types.Say{Type: types.MsgSay, Text: text, StepIndex: stepIndex})
}

// Disconnect tells the pipeline to leave the room. The connection closes
// once the session terminates.
func (c *Client) Disconnect(_ context.Context, reason string) error {
	c.mu.Lock()
	c.leftCleanly = true
	c.mu.Unlock()

	return c.write(types.Disconnect{Type: types.MsgDisconnect, Reason: reason})
}

func (c *Client) sendError(msg string) {
	c.write(types.ErrorMessage{Type: types.MsgError, Message: msg})
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !c.safeSend(data) {
		return ErrConnectionClosed
	}
	return nil
}

// writePump pumps messages from the controller to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// Close safely closes the client's send channel (idempotent)
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		defer func() {
			recover() // absorb panic if channel was already closed
		}()
		close(c.send)
	})
}

// safeSend attempts to send a message, recovering from panic if channel is closed
func (c *Client) safeSend(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	}
}
