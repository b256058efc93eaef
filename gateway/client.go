package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/teranos/otto/errors"
)

const (
	// DefaultBaseURL is the local assistant gateway endpoint
	DefaultBaseURL = "http://127.0.0.1:18789"

	// DefaultTimeout bounds a single gateway round trip. Prompt calls can
	// take a while; callers needing tighter bounds pass a context deadline.
	DefaultTimeout = 120 * time.Second
)

// Client talks to the assistant gateway's session API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	config     Config
}

// Config holds gateway client configuration
type Config struct {
	BaseURL string
	Token   string
	Agent   string // default agent for new sessions
	Timeout time.Duration
}

// NewClient creates a new gateway API client
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
	}
}

// PromptOptions customize a single prompt call
type PromptOptions struct {
	SystemPrompt string
	AllowedTools []string
	Agent        string
}

type sessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type promptRequest struct {
	Text         string   `json:"text"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
	Agent        string   `json:"agent,omitempty"`
}

type promptResponse struct {
	Text string `json:"text"`
}

// EnsureSession returns a usable session id, reusing existingID when the
// gateway still recognizes it and creating a fresh session otherwise.
func (c *Client) EnsureSession(ctx context.Context, existingID string) (string, error) {
	req := sessionRequest{
		SessionID: existingID,
		Agent:     c.config.Agent,
	}

	var resp sessionResponse
	if err := c.post(ctx, "/v1/sessions", req, &resp); err != nil {
		return "", errors.Wrap(err, "failed to ensure gateway session")
	}
	if resp.SessionID == "" {
		return "", errors.New("gateway returned empty session id")
	}
	return resp.SessionID, nil
}

// PromptSession sends text to an existing session and returns the gateway's
// raw reply. The reply is untrusted free text; callers parse it themselves.
func (c *Client) PromptSession(ctx context.Context, sessionID, text string, opts PromptOptions) (string, error) {
	req := promptRequest{
		Text:         text,
		SystemPrompt: opts.SystemPrompt,
		AllowedTools: opts.AllowedTools,
		Agent:        opts.Agent,
	}

	var resp promptResponse
	if err := c.post(ctx, "/v1/sessions/"+sessionID+"/messages", req, &resp); err != nil {
		return "", errors.Wrapf(err, "failed to prompt gateway session %s", sessionID)
	}
	return resp.Text, nil
}

// post sends a JSON request and decodes a JSON response
func (c *Client) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewBuffer(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("gateway request failed with status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, respBody); err != nil {
		return errors.Wrap(err, "failed to unmarshal response")
	}
	return nil
}

// SetHTTPClient allows overriding the HTTP client for testing
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
