// Package daemon implements the TaskWatch worker daemon: a sequential loop
// that polls the orchestrator for jobs, claims one, runs it with the
// coding agent and reports the outcome.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/taskwatch/internal/config"
	"github.com/cloud-shuttle/taskwatch/internal/git"
	"github.com/cloud-shuttle/taskwatch/internal/gitlab"
	"github.com/cloud-shuttle/taskwatch/internal/opencode"
	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// Orchestrator is the job protocol the daemon drives. *Client implements
// it over HTTP.
type Orchestrator interface {
	Poll(ctx context.Context) (*types.Job, error)
	Claim(ctx context.Context, runID, daemonID string) error
	Progress(ctx context.Context, runID, logs string) error
	Complete(ctx context.Context, runID string, result any) error
	Fail(ctx context.Context, runID, errorSummary, logs string) error
	RegisterWorktree(ctx context.Context, taskID, repoName, path, branchName string) (*types.Worktree, error)
	Heartbeat(ctx context.Context, daemonID string) error
}

// Worktrees provisions per-task checkouts. *git.WorktreeManager
// implements it.
type Worktrees interface {
	Create(ctx context.Context, taskID, repoName string) (*git.Worktree, error)
	TaskDir(taskID string) string
	CommitAndPush(ctx context.Context, worktreePath, message string) (*git.CommitResult, error)
}

// MergeRequests opens merge requests. *gitlab.Client implements it.
type MergeRequests interface {
	CreateMergeRequest(ctx context.Context, opts gitlab.MergeRequestOptions) (*types.MergeRequestInfo, error)
}

// Options tunes the poll loop
type Options struct {
	BaseBranch       string
	PollInterval     time.Duration
	ProgressInterval time.Duration
}

// OptionsFromConfig extracts loop options from the daemon config
func OptionsFromConfig(cfg *config.DaemonConfig) Options {
	return Options{
		BaseBranch:       cfg.BaseBranch,
		PollInterval:     cfg.PollInterval,
		ProgressInterval: cfg.ProgressInterval,
	}
}

// Daemon processes one job at a time
type Daemon struct {
	id        string
	opts      Options
	orch      Orchestrator
	agent     opencode.Agent
	worktrees Worktrees
	mrs       MergeRequests
	logger    *log.Logger

	// Runs a claimed job; replaced by durable execution when enabled
	execute func(ctx context.Context, job *types.Job, logs *logBuffer) (any, error)
}

// New creates a daemon with a fresh daemon-<unix-ms> id
func New(orch Orchestrator, agent opencode.Agent, worktrees Worktrees, mrs MergeRequests, opts Options) *Daemon {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 15 * time.Second
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "develop"
	}
	d := &Daemon{
		id:        fmt.Sprintf("daemon-%d", time.Now().UnixMilli()),
		opts:      opts,
		orch:      orch,
		agent:     agent,
		worktrees: worktrees,
		mrs:       mrs,
		logger:    log.New(io.Discard),
	}
	d.execute = d.executeDirect
	return d
}

// ID returns the daemon id reported on claims and heartbeats
func (d *Daemon) ID() string {
	return d.id
}

// SetLogger sets the logger
func (d *Daemon) SetLogger(logger *log.Logger) {
	d.logger = logger
}

// Run polls until ctx is cancelled, sleeping the poll interval between
// attempts regardless of their outcome
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon started", "id", d.id, "interval", d.opts.PollInterval)
	for {
		if _, err := d.PollOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("poll iteration failed", "error", err)
		}

		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopped", "id", d.id)
			return nil
		case <-time.After(d.opts.PollInterval):
		}
	}
}

// PollOnce sends a heartbeat, polls for a job and, if one is claimed,
// executes and reports it. Returns whether a job was executed.
func (d *Daemon) PollOnce(ctx context.Context) (executed bool, err error) {
	if err := d.orch.Heartbeat(ctx, d.id); err != nil {
		d.logger.Warn("heartbeat failed", "error", err)
	}

	pollCtx, span := telemetry.StartDaemonSpan(ctx, telemetry.SpanDaemonPoll, d.id)
	job, err := d.orch.Poll(pollCtx)
	if err != nil {
		telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorTypeFromError(err), telemetry.ErrorCategoryUpstream)
		span.End()
		return false, err
	}
	span.End()
	if job == nil {
		d.logger.Debug("no jobs available")
		return false, nil
	}

	d.logger.Info("found job", "run", job.ID, "type", job.Type, "task", job.TaskID())
	if err := d.orch.Claim(ctx, job.ID, d.id); err != nil {
		// Another daemon won the run, or it vanished; back to idle
		d.logger.Warn("claim failed, skipping job", "run", job.ID, "error", err)
		return false, nil
	}
	d.logger.Info("claimed job", "run", job.ID, "daemon", d.id)

	return true, d.process(ctx, job)
}

// process executes a claimed job and reports its outcome
func (d *Daemon) process(ctx context.Context, job *types.Job) error {
	ctx, span := telemetry.StartDaemonSpan(ctx, telemetry.SpanDaemonJob, d.id,
		attribute.String(telemetry.KeyRunID, job.ID),
		attribute.String(telemetry.KeyRunType, string(job.Type)),
		attribute.String(telemetry.KeyTaskID, job.TaskID()),
	)
	defer span.End()

	logs := newLogBuffer()
	stop := d.streamProgress(ctx, job.ID, logs)
	result, execErr := d.execute(ctx, job, logs)
	stop()

	if execErr != nil {
		telemetry.RecordErrorWithStatus(span, execErr, telemetry.ErrorTypeFromError(execErr), telemetry.ErrorCategoryAgent)
	} else {
		telemetry.SetRunStatus(span, string(types.RunStatusSucceeded))
	}
	return d.finish(ctx, job.ID, result, execErr, logs)
}

// finish reports a job's outcome with the log output not yet streamed
func (d *Daemon) finish(ctx context.Context, runID string, result any, execErr error, logs *logBuffer) error {
	if execErr != nil {
		d.logger.Error("job failed", "run", runID, "error", execErr)
		logs.Printf("Error: %v", execErr)
		tail := logs.Take()
		return d.report(ctx, func(ctx context.Context) error {
			return d.orch.Fail(ctx, runID, execErr.Error(), tail)
		})
	}

	if pending := logs.Take(); pending != "" {
		if err := d.orch.Progress(ctx, runID, pending); err != nil {
			d.logger.Warn("flushing logs failed", "run", runID, "error", err)
		}
	}
	d.logger.Info("job completed", "run", runID)
	return d.report(ctx, func(ctx context.Context) error {
		return d.orch.Complete(ctx, runID, result)
	})
}

// report retries a completion call while the orchestrator is unreachable
func (d *Daemon) report(ctx context.Context, call func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = call(ctx); err == nil || !isRetryable(err) {
			return err
		}
		d.logger.Warn("reporting job outcome failed, retrying", "attempt", attempt+1, "error", err)
	}
	return err
}

// streamProgress flushes new log output to the run every progress
// interval until the returned stop function is called. Every tick reports,
// so the run's lease is renewed even when there is no new output.
func (d *Daemon) streamProgress(ctx context.Context, runID string, logs *logBuffer) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(d.opts.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				// An empty chunk still renews the lease while the agent is silent
				chunk := logs.Take()
				if err := d.orch.Progress(ctx, runID, chunk); err != nil {
					d.logger.Warn("progress update failed", "run", runID, "error", err)
					logs.Restore(chunk)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// executeDirect runs a job in-process
func (d *Daemon) executeDirect(ctx context.Context, job *types.Job, logs *logBuffer) (any, error) {
	return d.run(ctx, directSteps{}, job, logs)
}

// run dispatches on the job type
func (d *Daemon) run(ctx context.Context, steps stepRunner, job *types.Job, logs *logBuffer) (any, error) {
	switch job.Type {
	case types.JobTypePlan:
		if job.Plan == nil {
			return nil, errors.New("plan job without payload")
		}
		return d.executePlan(ctx, steps, job.Plan, logs)
	case types.JobTypeImplement:
		if job.Implement == nil {
			return nil, errors.New("implement job without payload")
		}
		return d.executeImplement(ctx, steps, job.Implement, logs)
	}
	return nil, fmt.Errorf("unknown job type %q", job.Type)
}
