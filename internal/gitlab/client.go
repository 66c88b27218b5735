// Package gitlab opens merge requests through the GitLab REST API v4
package gitlab

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

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// DefaultBaseURL is gitlab.com
const DefaultBaseURL = "https://gitlab.com"

// Client is an authenticated GitLab API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the instance at baseURL
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// MergeRequestOptions describes a merge request to open
type MergeRequestOptions struct {
	RepoName     string
	SourceBranch string
	TargetBranch string
	Title        string
	Description  string
}

type project struct {
	Name              string `json:"name"`
	Path              string `json:"path"`
	PathWithNamespace string `json:"path_with_namespace"`
}

type createMergeRequest struct {
	SourceBranch       string `json:"source_branch"`
	TargetBranch       string `json:"target_branch"`
	Title              string `json:"title"`
	Description        string `json:"description"`
	RemoveSourceBranch bool   `json:"remove_source_branch"`
}

type mergeRequest struct {
	IID    int    `json:"iid"`
	WebURL string `json:"web_url"`
}

// FindProject resolves a repository name to the project's full path by
// searching for a project whose path or name matches exactly
func (c *Client) FindProject(ctx context.Context, repoName string) (string, error) {
	q := url.Values{}
	q.Set("search", repoName)
	q.Set("simple", "true")
	q.Set("membership", "true")

	var projects []project
	if err := c.do(ctx, http.MethodGet, "/api/v4/projects?"+q.Encode(), nil, &projects); err != nil {
		return "", fmt.Errorf("searching projects: %w", err)
	}
	for _, p := range projects {
		if p.Path == repoName || p.Name == repoName {
			return p.PathWithNamespace, nil
		}
	}
	return "", fmt.Errorf("gitlab project for repo %s: %w", repoName, types.ErrNotFound)
}

// CreateMergeRequest opens a merge request that removes its source branch
// on merge
func (c *Client) CreateMergeRequest(ctx context.Context, opts MergeRequestOptions) (info *types.MergeRequestInfo, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanMergeRequestCreate,
		telemetry.RepoAttrs(opts.RepoName, opts.SourceBranch)...)
	defer func() {
		if err != nil {
			telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryUpstream)
		}
		span.End()
	}()

	projectPath, err := c.FindProject(ctx, opts.RepoName)
	if err != nil {
		return nil, err
	}

	var mr mergeRequest
	path := "/api/v4/projects/" + url.PathEscape(projectPath) + "/merge_requests"
	if err := c.do(ctx, http.MethodPost, path, createMergeRequest{
		SourceBranch:       opts.SourceBranch,
		TargetBranch:       opts.TargetBranch,
		Title:              opts.Title,
		Description:        opts.Description,
		RemoveSourceBranch: true,
	}, &mr); err != nil {
		return nil, fmt.Errorf("creating merge request in %s: %w", projectPath, err)
	}

	span.SetAttributes(attribute.Int(telemetry.KeyMergeRequestIID, mr.IID))
	return &types.MergeRequestInfo{
		RepoName:   opts.RepoName,
		MRURL:      mr.WebURL,
		MRIID:      mr.IID,
		BranchName: opts.SourceBranch,
	}, nil
}

// Description renders the merge request body for a task
func Description(taskID, planSummary string) string {
	return fmt.Sprintf(`## TaskWatch Automated MR

**Task ID:** %s

### Summary
%s

---
*This MR was created automatically by TaskWatch.*`, taskID, planSummary)
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
	req.Header.Set("PRIVATE-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: gitlab request failed: %w", types.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: gitlab status %d: %s", types.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding gitlab response: %w", types.ErrUpstream, err)
	}
	return nil
}
