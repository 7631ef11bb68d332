// Package anchorlinesdk is a minimal HTTP client for the Anchorline API,
// intended for the agent layer that proposes actions.
package anchorlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one Anchorline deployment.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, actorID string) *Client {
	return &Client{
		BaseURL: baseURL,
		ActorID: actorID,
		Timeout: 10 * time.Second,
	}
}

// SubmitActionInput is the proposal body.
type SubmitActionInput struct {
	ID             string         `json:"id,omitempty"`
	ActionType     string         `json:"action_type"`
	RiskLevel      string         `json:"risk_level"`
	ChainID        *int64         `json:"chain_id,omitempty"`
	AttestationID  string         `json:"attestation_id,omitempty"`
	CounselorID    string         `json:"counselor_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	HumanInitiated bool           `json:"human_initiated,omitempty"`
}

// Action is the API action model.
type Action struct {
	ID             string  `json:"id"`
	ActionType     string  `json:"action_type"`
	RiskLevel      string  `json:"risk_level"`
	PolicyDecision string  `json:"policy_decision"`
	Status         string  `json:"status"`
	RetryCount     int     `json:"retry_count"`
	ChainID        *int64  `json:"chain_id,omitempty"`
	TxHash         *string `json:"tx_hash,omitempty"`
	ExplorerURL    string  `json:"explorer_url,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
	CreatedAt      string  `json:"created_at"`
	ExecutedAt     *string `json:"executed_at,omitempty"`
}

// Status is the autopilot status snapshot.
type Status struct {
	Enabled               bool `json:"enabled"`
	OnchainPlaceholder    bool `json:"onchain_placeholder"`
	WorkerIntervalSeconds int  `json:"worker_interval_seconds"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitAction proposes an action. A policy denial comes back as an APIError
// with status 403; the denied action is still recorded server-side.
func (c *Client) SubmitAction(ctx context.Context, in SubmitActionInput) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "v0/autopilot/actions", in, &resp)
	return resp, err
}

// GetAction fetches one action by id.
func (c *Client) GetAction(ctx context.Context, id string) (Action, error) {
	var resp Action
	endpoint := fmt.Sprintf("v0/autopilot/actions/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListActions lists recent actions, optionally filtered by status.
func (c *Client) ListActions(ctx context.Context, status string, limit int) ([]Action, error) {
	endpoint := "v0/autopilot/actions"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Action `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AutopilotStatus returns the current autopilot switches.
func (c *Client) AutopilotStatus(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/autopilot/status", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/autopilot/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-ID", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
