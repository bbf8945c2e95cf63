package escalation

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/greettech/recruitcall/internal/types"
	"github.com/rs/zerolog"
)

// HTTPClient is the transport seam used for the escalation callback
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client pushes hot leads back into the lead-management queue with a GET
// carrying phone, first_name and comments
type Client struct {
	endpoint   string
	httpClient HTTPClient
	logger     zerolog.Logger
}

func NewClient(endpoint string, httpClient HTTPClient, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "escalation").Logger(),
	}
}

// Escalate sends one hot lead. Query parameters already on the endpoint
// (credentials, list id) are preserved.
func (c *Client) Escalate(ctx context.Context, lead types.HotLead) error {
	if c.endpoint == "" {
		return fmt.Errorf("escalation endpoint not configured")
	}
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("invalid escalation endpoint: %w", err)
	}
	q := u.Query()
	q.Set("phone", lead.Phone)
	q.Set("first_name", lead.FirstName)
	q.Set("comments", "CallID: "+lead.CallID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to build escalation request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send escalation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("escalation rejected status=%d", resp.StatusCode)
	}

	c.logger.Info().Str("call_id", lead.CallID).Msg("hot lead escalated")
	return nil
}
