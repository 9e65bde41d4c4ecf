// ABOUTME: HTTP client for the generation API
// ABOUTME: Start, input/approval submission, status lookup

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgelab/forge-gateway/internal/session"
)

// Client talks to a running gateway.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New creates a client for the gateway at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// StartResponse acknowledges a started generation task.
type StartResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// Status is the gateway's session view.
type Status struct {
	SessionID    string          `json:"session_id"`
	Status       string          `json:"status"`
	CreatedAt    string          `json:"created_at"`
	LastActivity string          `json:"last_activity"`
	Prompt       string          `json:"prompt,omitempty"`
	Result       *session.Result `json:"result,omitempty"`
}

// Terminal reports whether the session reached a terminal state.
func (s *Status) Terminal() bool {
	return session.State(s.Status).Terminal()
}

// StartGeneration submits a generation request and returns the new session.
func (c *Client) StartGeneration(ctx context.Context, req any) (*StartResponse, error) {
	var resp StartResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SubmitInput delivers free-form input to a parked session.
func (c *Client) SubmitInput(ctx context.Context, sessionID, content string) error {
	body := map[string]string{"session_id": sessionID, "content": content}
	return c.doJSON(ctx, http.MethodPost, "/api/input", body, nil)
}

// SubmitApproval delivers an approval decision. Feedback is only meaningful
// with the reject action.
func (c *Client) SubmitApproval(ctx context.Context, sessionID, action, feedback string) error {
	body := map[string]string{"session_id": sessionID, "action": action, "feedback": feedback}
	return c.doJSON(ctx, http.MethodPost, "/api/approve", body, nil)
}

// Status fetches the session's current state.
func (c *Client) Status(ctx context.Context, sessionID string) (*Status, error) {
	var st Status
	if err := c.doJSON(ctx, http.MethodGet, "/api/status/"+sessionID, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Dispose removes a session from the gateway.
func (c *Client) Dispose(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/session/"+sessionID, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calling gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// apiError maps gateway error responses onto the session package's sentinel
// errors so callers can branch with errors.Is.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", session.ErrNotFound, body.Error)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", session.ErrInvalidState, body.Error)
	default:
		if body.Error == "" {
			body.Error = resp.Status
		}
		return fmt.Errorf("gateway: %s", body.Error)
	}
}
