// Package backend provides an HTTP client for the execution backend's REST API.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaot623/exectrack/internal/domain"
)

// ErrNoExecutionID is returned when the backend accepts a start request without minting an id.
var ErrNoExecutionID = errors.New("backend returned no execution id")

// ErrUnavailable wraps transport failures reaching the backend.
var ErrUnavailable = errors.New("backend unavailable")

// Client is an HTTP client for the backend API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new backend client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// StartExecutionRequest is the body of the start-execution call.
type StartExecutionRequest struct {
	Persona               string `json:"persona"`
	Command               string `json:"command"`
	OrchestrationStrategy string `json:"orchestrationStrategy,omitempty"`
}

// StartExecutionResponse is the backend's answer to a start-execution call.
type StartExecutionResponse struct {
	ExecutionID string `json:"executionId"`
	Status      string `json:"status,omitempty"`
}

// ErrorResponse represents an error response from the backend.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Message)
}

// StartExecution calls POST /api/executions.
func (c *Client) StartExecution(ctx context.Context, req *StartExecutionRequest) (*StartExecutionResponse, error) {
	var resp StartExecutionResponse
	if err := c.do(ctx, http.MethodPost, "/api/executions", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}
	if resp.ExecutionID == "" {
		return nil, ErrNoExecutionID
	}
	return &resp, nil
}

// ListAgents calls GET /api/agents. The body is either a layer-keyed map or the same map
// wrapped under "agents".
func (c *Client) ListAgents(ctx context.Context) (domain.AgentDirectory, error) {
	var raw map[string]json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}

	if wrapped, ok := raw["agents"]; ok {
		var dir domain.AgentDirectory
		if err := json.Unmarshal(wrapped, &dir); err == nil {
			return dir, nil
		}
	}

	dir := make(domain.AgentDirectory, len(raw))
	for layer, body := range raw {
		var agents []domain.Agent
		if err := json.Unmarshal(body, &agents); err != nil {
			return nil, fmt.Errorf("failed to decode agents for layer %s: %w", layer, err)
		}
		dir[layer] = agents
	}
	return dir, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil {
			if errResp.Error != "" {
				return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
			}
			if errResp.Message != "" {
				return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Message}
			}
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
