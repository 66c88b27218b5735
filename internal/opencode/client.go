package opencode

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

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// Client talks to an opencode server over its session API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL. The timeout bounds
// a whole prompt, including the streamed response.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type createSessionRequest struct {
	Title string `json:"title"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptRequest struct {
	Parts []promptPart `json:"parts"`
}

// CreateSession opens a new agent session and returns its id
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	resp, err := c.post(ctx, "/session", createSessionRequest{Title: title})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("creating opencode session", resp)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding opencode session: %w", types.ErrUpstream, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("%w: opencode returned a session without an id", types.ErrUpstream)
	}
	return out.ID, nil
}

// SendPrompt sends prompt to a session and streams the response, passing
// each chunk to onChunk. It returns the full response text.
func (c *Client) SendPrompt(ctx context.Context, sessionID, prompt string, onChunk func(string)) (string, error) {
	resp, err := c.post(ctx, "/session/"+sessionID+"/prompt", promptRequest{
		Parts: []promptPart{{Type: "text", Text: prompt}},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError("sending prompt", resp)
	}

	var full strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			full.WriteString(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("%w: reading prompt response: %w", types.ErrUpstream, err)
		}
	}
	return full.String(), nil
}

// Prompt opens a session titled req.Title and sends req.Prompt to it
func (c *Client) Prompt(ctx context.Context, req Request) (out string, err error) {
	sessionID, err := c.CreateSession(ctx, req.Title)
	if err != nil {
		return "", err
	}

	ctx, span := telemetry.StartAgentSpan(ctx, telemetry.SpanAgentPrompt, sessionID,
		attribute.Int("taskwatch.agent.prompt_length", len(req.Prompt)))
	defer span.End()

	out, err = c.SendPrompt(ctx, sessionID, req.Prompt, req.OnOutput)
	if err != nil {
		telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryAgent)
	}
	return out, err
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: opencode request failed: %w", types.ErrUpstream, err)
	}
	return resp, nil
}

func statusError(action string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("%w: %s: status %d: %s", types.ErrUpstream, action, resp.StatusCode, strings.TrimSpace(string(body)))
}
