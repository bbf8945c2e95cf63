package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// HTTPClient is the transport seam used for the LiveKit server API
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds LiveKit server API settings
type Config struct {
	URL              string // http(s) base, ws(s) is rewritten
	APIKey           string
	APISecret        string
	SIPTrunkID       string
	TransferNumber   string // dialer in-group DID the SIP leg dials
	FilepathTemplate string // egress output path, {call_id} is substituted
}

// Client issues room, egress and SIP commands over LiveKit's Twirp JSON API
type Client struct {
	cfg        Config
	httpClient HTTPClient
	now        func() time.Time
	logger     zerolog.Logger
}

func NewClient(cfg Config, httpClient HTTPClient, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	cfg.URL = httpBase(cfg.URL)
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		now:        time.Now,
		logger:     logger.With().Str("component", "telephony").Logger(),
	}
}

// StartRecording starts an audio-only MP3 room composite egress and returns
// the egress id and the file path the egress writes
func (c *Client) StartRecording(ctx context.Context, room, callID string) (string, string, error) {
	filepath := strings.ReplaceAll(c.cfg.FilepathTemplate, "{call_id}", callID)
	body := map[string]any{
		"room_name":  room,
		"audio_only": true,
		"file_outputs": []map[string]any{{
			"file_type": "MP3",
			"filepath":  filepath,
		}},
	}

	var resp struct {
		EgressID      string `json:"egress_id"`
		EgressIDCamel string `json:"egressId"`
	}
	if err := c.call(ctx, "livekit.Egress/StartRoomCompositeEgress", room, body, &resp); err != nil {
		return "", "", err
	}
	if resp.EgressID == "" {
		resp.EgressID = resp.EgressIDCamel
	}
	if resp.EgressID == "" {
		return "", "", fmt.Errorf("egress response carried no egress id")
	}
	return resp.EgressID, filepath, nil
}

// Transfer dials the dialer's in-group into room as a new SIP participant
// with the agent user in the X-VC-Payload header
func (c *Client) Transfer(ctx context.Context, room, agentUser, agentExt string) error {
	body := map[string]any{
		"sip_trunk_id":         c.cfg.SIPTrunkID,
		"sip_call_to":          c.cfg.TransferNumber,
		"room_name":            room,
		"participant_identity": "transfer_to_" + agentExt,
		"wait_until_answered":  false,
		"headers":              map[string]string{"X-VC-Payload": agentUser},
		"participant_name":     "Agent " + agentExt,
		"play_dialtone":        false,
		"hide_phone_number":    true,
	}
	return c.call(ctx, "livekit.SIP/CreateSIPParticipant", room, body, nil)
}

// DeleteRoom closes the room and disconnects every participant
func (c *Client) DeleteRoom(ctx context.Context, room string) error {
	return c.call(ctx, "livekit.RoomService/DeleteRoom", room, map[string]any{"room": room}, nil)
}

func (c *Client) call(ctx context.Context, method, room string, body any, out any) error {
	token, err := c.token(room)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/twirp/"+method, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}
	if resp.StatusCode >= 300 {
		return &APIError{Method: method, Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", method, err)
		}
	}
	return nil
}

// token signs a short-lived server API token scoped to room
func (c *Client) token(room string) (string, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return "", fmt.Errorf("missing livekit api credentials")
	}
	now := c.now()
	claims := jwt.MapClaims{
		"iss": c.cfg.APIKey,
		"nbf": now.Add(-10 * time.Second).Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"video": map[string]any{
			"roomAdmin":  true,
			"roomCreate": true,
			"roomRecord": true,
			"room":       room,
		},
		"sip": map[string]any{
			"admin": true,
			"call":  true,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.APISecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign livekit token: %w", err)
	}
	return signed, nil
}

// APIError is a non-2xx answer from the LiveKit server API
type APIError struct {
	Method string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed status=%d body=%s", e.Method, e.Status, e.Body)
}

func httpBase(u string) string {
	u = strings.TrimRight(u, "/")
	switch {
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	}
	return u
}
