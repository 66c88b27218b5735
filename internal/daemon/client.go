package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// Client speaks the orchestrator's /internal job protocol
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the orchestrator at baseURL
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type pollResponse struct {
	Job *types.Job `json:"job"`
}

type worktreeResponse struct {
	Worktree *types.Worktree `json:"worktree"`
}

// Poll returns the next queued job, or nil when the queue is empty
func (c *Client) Poll(ctx context.Context) (*types.Job, error) {
	var resp pollResponse
	if err := c.do(ctx, http.MethodGet, "/internal/jobs/poll", nil, &resp); err != nil {
		return nil, fmt.Errorf("polling: %w", err)
	}
	return resp.Job, nil
}

// Claim takes ownership of a queued run
func (c *Client) Claim(ctx context.Context, runID, daemonID string) error {
	body := map[string]string{"daemonId": daemonID}
	if err := c.do(ctx, http.MethodPost, jobPath(runID, "claim"), body, nil); err != nil {
		return fmt.Errorf("claiming run %s: %w", runID, err)
	}
	return nil
}

// Progress appends logs to a running run
func (c *Client) Progress(ctx context.Context, runID, logs string) error {
	body := map[string]string{"logs": logs}
	if err := c.do(ctx, http.MethodPost, jobPath(runID, "progress"), body, nil); err != nil {
		return fmt.Errorf("reporting progress of run %s: %w", runID, err)
	}
	return nil
}

// Complete reports a run's result
func (c *Client) Complete(ctx context.Context, runID string, result any) error {
	body := map[string]any{"result": result}
	if err := c.do(ctx, http.MethodPost, jobPath(runID, "complete"), body, nil); err != nil {
		return fmt.Errorf("completing run %s: %w", runID, err)
	}
	return nil
}

// Fail reports a run as failed
func (c *Client) Fail(ctx context.Context, runID, errorSummary, logs string) error {
	body := map[string]string{"errorSummary": errorSummary, "logs": logs}
	if err := c.do(ctx, http.MethodPost, jobPath(runID, "fail"), body, nil); err != nil {
		return fmt.Errorf("failing run %s: %w", runID, err)
	}
	return nil
}

// RegisterWorktree records a worktree created for a task
func (c *Client) RegisterWorktree(ctx context.Context, taskID, repoName, path, branchName string) (*types.Worktree, error) {
	body := map[string]string{
		"taskId":     taskID,
		"repoName":   repoName,
		"path":       path,
		"branchName": branchName,
	}
	var resp worktreeResponse
	if err := c.do(ctx, http.MethodPost, "/internal/worktrees", body, &resp); err != nil {
		return nil, fmt.Errorf("registering worktree %s: %w", path, err)
	}
	return resp.Worktree, nil
}

// DeleteWorktree removes a worktree registration
func (c *Client) DeleteWorktree(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/internal/worktrees/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("deleting worktree %s: %w", id, err)
	}
	return nil
}

// Heartbeat tells the orchestrator this daemon is alive
func (c *Client) Heartbeat(ctx context.Context, daemonID string) error {
	body := map[string]string{"daemonId": daemonID}
	if err := c.do(ctx, http.MethodPost, "/internal/daemon/heartbeat", body, nil); err != nil {
		return fmt.Errorf("sending heartbeat: %w", err)
	}
	return nil
}

func jobPath(runID, action string) string {
	return "/internal/jobs/" + url.PathEscape(runID) + "/" + action
}

// statusError maps an orchestrator status code onto the error taxonomy
func statusError(status int, msg string) error {
	var kind error
	switch status {
	case http.StatusNotFound:
		kind = types.ErrNotFound
	case http.StatusConflict:
		kind = types.ErrConflict
	case http.StatusPreconditionFailed:
		kind = types.ErrPreconditionFailed
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		kind = types.ErrValidation
	default:
		kind = types.ErrUpstream
	}
	return fmt.Errorf("%w: orchestrator status %d: %s", kind, status, msg)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: orchestrator request failed: %w", types.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return statusError(resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding orchestrator response: %w", types.ErrUpstream, err)
	}
	return nil
}

// isRetryable reports whether a protocol error may succeed later
func isRetryable(err error) bool {
	return errors.Is(err, types.ErrUpstream)
}
