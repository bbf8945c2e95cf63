package leadapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

var (
	// ErrLeadNotFound is returned when the dialer has no record for the call
	ErrLeadNotFound = errors.New("lead not found")
	// ErrNoAgentsAvailable is returned when no human agent is ready
	ErrNoAgentsAvailable = errors.New("no agents available")
)

// noAgentsSentinel is the ext value the dialer reports when nobody is free
const noAgentsSentinel = "No agents available"

// HTTPClient is the transport seam used for the dialer API
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the dialer's lead-data and live-agent endpoints
type Client struct {
	baseURL      string
	httpClient   HTTPClient
	leadTimeout  time.Duration
	agentTimeout time.Duration
	logger       zerolog.Logger
}

// NewClient creates a client. Per-request timeouts bound every call
// regardless of the transport's own timeout.
func NewClient(baseURL string, httpClient HTTPClient, leadTimeout, agentTimeout time.Duration, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		leadTimeout:  leadTimeout,
		agentTimeout: agentTimeout,
		logger:       logger.With().Str("component", "leadapi").Logger(),
	}
}

// GetLead fetches the candidate identity for a call
func (c *Client) GetLead(ctx context.Context, callID string) (types.Lead, error) {
	ctx, cancel := context.WithTimeout(ctx, c.leadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/get-data/"+url.PathEscape(callID), nil)
	if err != nil {
		return types.Lead{}, fmt.Errorf("failed to build lead request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.Lead{}, fmt.Errorf("failed to fetch lead: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return types.Lead{}, ErrLeadNotFound
	}
	if resp.StatusCode >= 300 {
		return types.Lead{}, fmt.Errorf("lead lookup failed status=%d body=%s", resp.StatusCode, readSnippet(resp.Body))
	}

	var lead types.Lead
	if err := json.NewDecoder(resp.Body).Decode(&lead); err != nil {
		return types.Lead{}, fmt.Errorf("failed to decode lead: %w", err)
	}
	lead.CallID = callID
	return lead, nil
}

// ResolveLead returns the lead, or the placeholder identity when the lookup
// fails or times out
func (c *Client) ResolveLead(ctx context.Context, callID string) types.Lead {
	lead, err := c.GetLead(ctx, callID)
	if err != nil {
		c.logger.Warn().Err(err).Str("call_id", callID).Msg("lead lookup failed, using placeholder identity")
		return types.Lead{CallID: callID, Name: types.DefaultCandidateName, Phone: types.DefaultPhoneNo}
	}
	if strings.TrimSpace(lead.Name) == "" {
		lead.Name = types.DefaultCandidateName
	}
	if strings.TrimSpace(lead.Phone) == "" {
		lead.Phone = types.DefaultPhoneNo
	}
	return lead
}

// ClearLead deletes the transient lead record
func (c *Client) ClearLead(ctx context.Context, callID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.leadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/clear-data/"+url.PathEscape(callID), nil)
	if err != nil {
		return fmt.Errorf("failed to build clear request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to clear lead: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("clear lead failed status=%d", resp.StatusCode)
	}
	return nil
}

// FindAgent asks the dialer for a ready human agent
func (c *Client) FindAgent(ctx context.Context) (types.LiveAgent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.agentTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/liveagents", nil)
	if err != nil {
		return types.LiveAgent{}, fmt.Errorf("failed to build agent request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.LiveAgent{}, fmt.Errorf("failed to query live agents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return types.LiveAgent{}, fmt.Errorf("live agent lookup failed status=%d body=%s", resp.StatusCode, readSnippet(resp.Body))
	}

	var agent struct {
		User *string `json:"user"`
		Ext  string  `json:"ext"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return types.LiveAgent{}, fmt.Errorf("failed to decode live agent: %w", err)
	}
	if agent.User == nil || *agent.User == "" || agent.Ext == "" || agent.Ext == noAgentsSentinel {
		return types.LiveAgent{}, ErrNoAgentsAvailable
	}
	return types.LiveAgent{User: *agent.User, Ext: agent.Ext}, nil
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(b))
}
