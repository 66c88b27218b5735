// Package opencode drives the opencode coding agent, either through its
// HTTP session server or its command line, and builds and parses the
// prompts TaskWatch jobs exchange with it.
package opencode

import (
	"context"
	"time"

	"github.com/cloud-shuttle/taskwatch/internal/config"
)

// Request is one prompt sent to the agent
type Request struct {
	// Title names the agent session
	Title string
	// Prompt is the full prompt text
	Prompt string
	// Dir is the working directory the agent operates in (CLI mode)
	Dir string
	// OnOutput receives output chunks as they stream in
	OnOutput func(chunk string)
}

// Agent is the interface both opencode transports implement
type Agent interface {
	// Prompt runs req to completion and returns the agent's full output
	Prompt(ctx context.Context, req Request) (string, error)
}

// NewAgent picks the transport from the daemon config: the CLI when a
// binary path is configured, the HTTP session server otherwise.
func NewAgent(cfg config.OpenCodeConfig) Agent {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	if cfg.Path != "" {
		return NewCLI(cfg.Path, timeout)
	}
	return NewClient(cfg.BaseURL(), timeout)
}
