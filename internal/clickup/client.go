// Package clickup is a minimal ClickUp API v2 client: the tasks assigned
// to one user in a workspace and the comments of a task.
package clickup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// DefaultBaseURL is the public ClickUp API
const DefaultBaseURL = "https://api.clickup.com/api/v2"

// maxPages bounds pagination against a misbehaving API
const maxPages = 50

// Client reads tasks and comments for one workspace and assignee
type Client struct {
	baseURL    string
	token      string
	teamID     string
	userID     string
	httpClient *http.Client
}

// NewClient creates a client. An empty baseURL uses DefaultBaseURL.
func NewClient(baseURL, token, teamID, userID string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		teamID:     teamID,
		userID:     userID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiTask struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	TextContent string `json:"text_content"`
	URL         string `json:"url"`
	DateUpdated string `json:"date_updated"`
	Status      struct {
		Status string `json:"status"`
	} `json:"status"`
}

type tasksResponse struct {
	Tasks    []apiTask `json:"tasks"`
	LastPage bool      `json:"last_page"`
}

type commentsResponse struct {
	Comments []struct {
		CommentText string `json:"comment_text"`
	} `json:"comments"`
}

// AssignedTasks returns every open task in the workspace assigned to the
// configured user, across all pages
func (c *Client) AssignedTasks(ctx context.Context) ([]types.ExternalTask, error) {
	var tasks []types.ExternalTask
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("assignees[]", c.userID)
		q.Set("include_closed", "false")
		q.Set("subtasks", "true")
		q.Set("page", strconv.Itoa(page))

		var resp tasksResponse
		if err := c.get(ctx, "/team/"+url.PathEscape(c.teamID)+"/task?"+q.Encode(), &resp); err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		for _, t := range resp.Tasks {
			tasks = append(tasks, t.external())
		}
		if resp.LastPage || len(resp.Tasks) == 0 {
			break
		}
	}
	return tasks, nil
}

// TaskComments returns the plain text of a task's comments
func (c *Client) TaskComments(ctx context.Context, taskID string) ([]string, error) {
	var resp commentsResponse
	if err := c.get(ctx, "/task/"+url.PathEscape(taskID)+"/comment", &resp); err != nil {
		return nil, fmt.Errorf("listing comments of %s: %w", taskID, err)
	}

	comments := make([]string, 0, len(resp.Comments))
	for _, cm := range resp.Comments {
		comments = append(comments, cm.CommentText)
	}
	return comments, nil
}

func (t apiTask) external() types.ExternalTask {
	description := t.Description
	if description == "" {
		description = t.TextContent
	}
	// date_updated is a millisecond timestamp string
	var updated int64
	if ms, err := strconv.ParseInt(t.DateUpdated, 10, 64); err == nil {
		updated = ms / 1000
	}
	return types.ExternalTask{
		ID:          t.ID,
		Title:       t.Name,
		Description: description,
		URL:         t.URL,
		Status:      strings.ToLower(t.Status.Status),
		UpdatedAt:   updated,
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: clickup request failed: %w", types.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: clickup status %d: %s", types.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding clickup response: %w", types.ErrUpstream, err)
	}
	return nil
}
