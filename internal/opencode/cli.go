package opencode

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// CLI runs prompts with `opencode run <prompt>` in the request directory
type CLI struct {
	path    string
	timeout time.Duration
}

// NewCLI creates a CLI agent for the binary at path
func NewCLI(path string, timeout time.Duration) *CLI {
	return &CLI{path: path, timeout: timeout}
}

// CheckInstalled verifies the opencode binary runs
func (a *CLI) CheckInstalled() error {
	output, err := exec.Command(a.path, "--version").CombinedOutput()
	if err != nil {
		return fmt.Errorf("opencode not found at %s: %w\n%s", a.path, err, output)
	}
	return nil
}

// Prompt runs the binary and returns stdout followed by stderr
func (a *CLI) Prompt(ctx context.Context, req Request) (string, error) {
	ctx, span := telemetry.StartAgentSpan(ctx, telemetry.SpanAgentSession, "cli")
	defer span.End()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, a.path, "run", req.Prompt)
	cmd.Dir = req.Dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &chunkWriter{buf: &stdout, onChunk: req.OnOutput}
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)
	output := stdout.String() + stderr.String()

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			telemetry.RecordErrorWithStatus(span, err, "TimeoutError", telemetry.ErrorCategoryTimeout)
			return output, fmt.Errorf("%w: opencode timed out after %v", types.ErrUpstream, duration.Round(time.Second))
		}
		telemetry.RecordErrorWithStatus(span, err, "ExecutionError", telemetry.ErrorCategoryAgent)
		return output, fmt.Errorf("%w: opencode failed after %v: %w", types.ErrUpstream, duration.Round(time.Second), err)
	}
	return output, nil
}

// chunkWriter collects output and forwards each write as a chunk
type chunkWriter struct {
	mu      sync.Mutex
	buf     *strings.Builder
	onChunk func(string)
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	if w.onChunk != nil {
		w.onChunk(string(p))
	}
	return len(p), nil
}
