package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to a Parley dispute node.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // ADMIN_SECRET of the node; empty for open demo nodes
}

// ParleyClient is a pure HTTP client for a dispute node's REST API.
type ParleyClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewParleyClient creates a new client for a dispute node.
func NewParleyClient(cfg Config) *ParleyClient {
	return &ParleyClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the node.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the node and returns the response body.
func (c *ParleyClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListDisputes returns the node's disputes, optionally only open ones.
func (c *ParleyClient) ListDisputes(ctx context.Context, openOnly bool) (json.RawMessage, error) {
	q := url.Values{}
	if openOnly {
		q.Set("open", "true")
	}
	return c.doRequest(ctx, http.MethodGet, "/api/v1/disputes", q, nil)
}

// GetDispute returns a single dispute by ID.
func (c *ParleyClient) GetDispute(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/disputes/"+disputeID, nil, nil)
}

// ListMessages returns the chat history of a dispute.
func (c *ParleyClient) ListMessages(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/disputes/"+disputeID+"/messages", nil, nil)
}

// SendChat posts a chat message into a dispute's channel.
func (c *ParleyClient) SendChat(ctx context.Context, disputeID, message string) (json.RawMessage, error) {
	body := map[string]string{
		"message": message,
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/disputes/"+disputeID+"/chat", nil, body)
}

// VerdictParams carries the fields of an arbitrator's decision.
type VerdictParams struct {
	Winner             string `json:"winner"`
	LoserPublisher     bool   `json:"loserPublisher"`
	BuyerPayoutAmount  int64  `json:"buyerPayoutAmount"`
	SellerPayoutAmount int64  `json:"sellerPayoutAmount"`
	Explanation        string `json:"explanation,omitempty"`
}

// ApplyVerdict closes a dispute with the given decision. The node must be
// the dispute's arbitrator.
func (c *ParleyClient) ApplyVerdict(ctx context.Context, disputeID string, v VerdictParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/api/v1/disputes/"+disputeID+"/verdict", nil, v)
}

// PeerDisputeCount returns how many disputes involve the given peer.
func (c *ParleyClient) PeerDisputeCount(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/api/v1/peers/"+address+"/dispute-count", nil, nil)
}
