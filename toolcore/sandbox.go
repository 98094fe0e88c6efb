package toolcore

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
)

// Fixed sandbox submission limits. The sandbox enforces them per
// execution; the tool core does not let callers raise them.
const (
	sandboxTimeoutSeconds = 30
	sandboxMemoryLimitMB  = 512
	sandboxExecutionMode  = "docker"
)

// ErrExecutionNotFound reports a sandbox execution id the sandbox no
// longer knows about.
var ErrExecutionNotFound = errors.New("execution result not found")

type (
	// SandboxClient talks to the external python sandbox over HTTP.
	SandboxClient struct {
		base string
		http *http.Client
	}

	// SandboxSubmission is one code execution request.
	SandboxSubmission struct {
		TaskID          string   `json:"task_id,omitempty"`
		Code            string   `json:"code"`
		Timeout         int      `json:"timeout"`
		MemoryLimit     int      `json:"memory_limit"`
		Dependencies    []string `json:"dependencies,omitempty"`
		AllowFileAccess bool     `json:"allow_file_access"`
		ExecutionMode   string   `json:"execution_mode"`
		RequestingAgent string   `json:"requesting_agent,omitempty"`
	}

	// SandboxResult is a completed execution report. ExecutionID is set
	// on results the sandbox pushes over the bus; polled results carry
	// it in the URL instead.
	SandboxResult struct {
		ExecutionID   string   `json:"execution_id,omitempty"`
		Status        string   `json:"status"`
		Stdout        string   `json:"stdout,omitempty"`
		Stderr        string   `json:"stderr,omitempty"`
		ErrorMessage  string   `json:"error_message,omitempty"`
		OutputFiles   []string `json:"output_files,omitempty"`
		ExecutionTime float64  `json:"execution_time,omitempty"`
		ExitCode      int      `json:"exit_code,omitempty"`
	}
)

// sandboxParameterSchema guards python_sandbox submissions.
var sandboxParameterSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"code":         map[string]any{"type": "string", "minLength": 1},
		"dependencies": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []any{"code"},
}

// NewSandboxClient returns a client for the sandbox at baseURL. A nil
// http client gets a 10s request timeout.
func NewSandboxClient(baseURL string, client *http.Client) *SandboxClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SandboxClient{base: strings.TrimRight(baseURL, "/"), http: client}
}

// Submit posts one execution and returns the sandbox-assigned id. The
// resource limits are fixed; callers supply only code and dependencies.
func (c *SandboxClient) Submit(ctx context.Context, taskID, agent, code string, deps []string) (string, error) {
	body, err := json.Marshal(SandboxSubmission{
		TaskID:          taskID,
		Code:            code,
		Timeout:         sandboxTimeoutSeconds,
		MemoryLimit:     sandboxMemoryLimitMB,
		Dependencies:    deps,
		AllowFileAccess: true,
		ExecutionMode:   sandboxExecutionMode,
		RequestingAgent: agent,
	})
	if err != nil {
		return "", fmt.Errorf("sandbox submit: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("sandbox submit: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sandbox submit: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("sandbox submit: unexpected status %s", resp.Status)
	}
	var out struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("sandbox submit: decode: %w", err)
	}
	if out.ExecutionID == "" {
		return "", errors.New("sandbox submit: response missing execution_id")
	}
	return out.ExecutionID, nil
}

// Result fetches the state of one execution. It returns (nil, nil)
// while the execution is still running and ErrExecutionNotFound when
// the sandbox no longer knows the id.
func (c *SandboxClient) Result(ctx context.Context, executionID string) (*SandboxResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/result/"+executionID, nil)
	if err != nil {
		return nil, fmt.Errorf("sandbox result: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox result: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	case http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	case http.StatusOK:
		var out SandboxResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("sandbox result: decode: %w", err)
		}
		if out.ExecutionID == "" {
			out.ExecutionID = executionID
		}
		return &out, nil
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("sandbox result: unexpected status %s", resp.Status)
	}
}

// Failed reports whether the execution ended unsuccessfully.
func (r *SandboxResult) Failed() bool {
	return r.Status == "failed" || r.ErrorMessage != "" || r.ExitCode != 0
}

// FailureMessage renders the failure as a human-readable message.
func (r *SandboxResult) FailureMessage() string {
	if r.ErrorMessage != "" {
		return r.ErrorMessage
	}
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("sandbox exited with code %d", r.ExitCode)
}

// Name implements health.Pinger.
func (c *SandboxClient) Name() string { return "sandbox" }

// Ping implements health.Pinger. It checks transport reachability: any
// response below 500 counts, the sandbox owns its own readiness.
func (c *SandboxClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("sandbox unhealthy: %s", resp.Status)
	}
	return nil
}
