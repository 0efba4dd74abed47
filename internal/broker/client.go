// ABOUTME: Raw HTTP client for the external agent platform API.
// ABOUTME: Three endpoints: create session, submit message, poll request status.

package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// request lifecycle states reported by the platform.
const (
	statusPending   = "pending"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

type usage struct {
	InputUnits  int `json:"input_units"`
	OutputUnits int `json:"output_units"`
}

func (u usage) total() int { return u.InputUnits + u.OutputUnits }

type createSessionRequest struct {
	UserID string `json:"user_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type submitRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// submitResponse covers both shapes the platform returns: an async handle
// (request_id, status pending) or, for fast agents, an inline completion.
type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Response  string `json:"response"`
	Usage     usage  `json:"usage"`
}

type pollResponse struct {
	Status   string `json:"status"`
	Response string `json:"response"`
	Error    string `json:"error"`
	Usage    usage  `json:"usage"`
}

// apiError is a non-2xx platform response.
type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("agent platform returned %d: %s", e.StatusCode, e.Body)
}

// client talks to one agent platform deployment.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newClient(baseURL, apiKey string) *client {
	return &client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *client) createSession(ctx context.Context, agentID, userID string) (string, error) {
	var resp createSessionResponse
	path := fmt.Sprintf("/v1/agents/%s/sessions", agentID)
	if err := c.post(ctx, path, createSessionRequest{UserID: userID}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("platform returned empty session_id")
	}
	return resp.SessionID, nil
}

func (c *client) submitMessage(ctx context.Context, agentID, sessionID, message string) (*submitResponse, error) {
	var resp submitResponse
	path := fmt.Sprintf("/v1/agents/%s/messages", agentID)
	if err := c.post(ctx, path, submitRequest{SessionID: sessionID, Message: message}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) pollRequest(ctx context.Context, requestID string) (*pollResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/requests/"+requestID, nil)
	if err != nil {
		return nil, fmt.Errorf("building poll request: %w", err)
	}
	c.setHeaders(req)

	var resp pollResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(req)

	return c.do(req, out)
}

func (c *client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling agent platform: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading platform response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding platform response: %w", err)
	}
	return nil
}
