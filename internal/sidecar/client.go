// Package sidecar talks to a per-agent sidecar process over its local
// HTTP+WebSocket API. The daemon supervises agents exclusively through this
// surface; the sidecar itself is an external collaborator.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/logger"
)

// AgentState is the sidecar's reported agent state.
type AgentState string

const (
	StateStarting AgentState = "starting"
	StateWorking  AgentState = "working"
	StateIdle     AgentState = "idle"
	StatePrompt   AgentState = "prompt"
	StateError    AgentState = "error"
	StateExited   AgentState = "exited"
)

// PromptPayload describes a pending sidecar prompt.
type PromptPayload struct {
	Type      string          `json:"type"`
	Questions []PromptQuestion `json:"questions,omitempty"`
	Input     map[string]any  `json:"input,omitempty"`
}

// PromptQuestion is one entry of a grouped prompt.
type PromptQuestion struct {
	Header      string   `json:"header,omitempty"`
	Question    string   `json:"question"`
	Options     []string `json:"options,omitempty"`
	MultiSelect bool     `json:"multi_select,omitempty"`
}

// AgentStatus is the GET /api/v1/agent response.
type AgentStatus struct {
	State         AgentState     `json:"state"`
	LastMessage   string         `json:"last_message,omitempty"`
	Prompt        *PromptPayload `json:"prompt,omitempty"`
	ErrorCategory string         `json:"error_category,omitempty"`
	ErrorDetail   string         `json:"error_detail,omitempty"`
}

// NudgeResponse is the POST /api/v1/agent/nudge response.
type NudgeResponse struct {
	Delivered bool   `json:"delivered"`
	Reason    string `json:"reason,omitempty"`
}

// UsageResponse is the GET /api/v1/session/usage response.
type UsageResponse struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Client communicates with one sidecar. The control socket is a per-agent
// unix domain socket, so every request dials through it regardless of URL
// host.
type Client struct {
	socketPath string
	baseURL    string
	httpClient *http.Client
	authToken  string
	logger     *logger.Logger
}

// NewClient creates a client for the sidecar behind socketPath.
func NewClient(socketPath, authToken string, log *logger.Logger) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return &Client{
		socketPath: socketPath,
		baseURL:    "http://sidecar",
		authToken:  authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socketPath)
				},
			},
		},
		logger: log.WithFields(zap.String("component", "sidecar-client")),
	}
}

// SocketPath returns the control socket this client dials.
func (c *Client) SocketPath() string { return c.socketPath }

// Health checks GET /api/v1/health; nil means alive.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// Agent returns the sidecar's agent status.
func (c *Client) Agent(ctx context.Context) (*AgentStatus, error) {
	var status AgentStatus
	if err := c.getJSON(ctx, "/api/v1/agent", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Nudge delivers user text via POST /api/v1/agent/nudge, falling back to
// POST /api/v1/input when the sidecar reports the nudge undeliverable.
func (c *Client) Nudge(ctx context.Context, message string) error {
	var nr NudgeResponse
	err := c.postJSON(ctx, "/api/v1/agent/nudge", map[string]any{"message": message}, &nr)
	if err != nil {
		return err
	}
	if nr.Delivered {
		return nil
	}
	c.logger.Debug("nudge not delivered, falling back to raw input",
		zap.String("reason", nr.Reason))
	return c.postJSON(ctx, "/api/v1/input", map[string]any{"text": message, "enter": true}, nil)
}

// Respond delivers a structured prompt response.
func (c *Client) Respond(ctx context.Context, accept bool, option, text string) error {
	body := map[string]any{"accept": accept}
	if option != "" {
		body["option"] = option
	}
	if text != "" {
		body["text"] = text
	}
	return c.postJSON(ctx, "/api/v1/agent/respond", body, nil)
}

// Shutdown asks the sidecar to terminate its agent and exit.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.postJSON(ctx, "/api/v1/shutdown", map[string]any{}, nil)
}

// Signal forwards a signal name to the agent process.
func (c *Client) Signal(ctx context.Context, signal string) error {
	return c.postJSON(ctx, "/api/v1/signal", map[string]any{"signal": signal}, nil)
}

// ResolveStop releases an agent held by a stop hook.
func (c *Client) ResolveStop(ctx context.Context) error {
	return c.postJSON(ctx, "/api/v1/stop/resolve", map[string]any{}, nil)
}

// ScreenText captures the sidecar's rendered terminal text.
func (c *Client) ScreenText(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/screen/text", nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("screen capture failed: %d", resp.StatusCode)
	}
	return string(body), nil
}

// Transcript fetches transcript lines past the given cursor.
func (c *Client) Transcript(ctx context.Context, sinceTranscript, sinceLine int) ([]byte, error) {
	path := fmt.Sprintf("/api/v1/transcripts/catchup?since_transcript=%d&since_line=%d", sinceTranscript, sinceLine)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcript fetch failed: %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Usage fetches session token usage.
func (c *Client) Usage(ctx context.Context) (*UsageResponse, error) {
	var u UsageResponse
	if err := c.getJSON(ctx, "/api/v1/session/usage", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	return c.httpClient.Do(req)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, truncateBody(body))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, path, raw)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, truncateBody(respBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", path, err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
