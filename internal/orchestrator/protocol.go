package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/taskwatch/internal/db"
	"github.com/cloud-shuttle/taskwatch/internal/events"
	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// DefaultBranchPrefix names branches reported without an explicit name
const DefaultBranchPrefix = "taskwatch/"

// Poll returns the oldest queued run as a job, or nil when the queue is
// empty. Polling does not claim. A queued IMPLEMENT run whose task has no
// approved plan can never run, so it is failed on the spot (task BLOCKED)
// and polling moves on to the next run.
func (s *Service) Poll(ctx context.Context) (job *types.Job, err error) {
	ctx, span := telemetry.StartRunSpan(ctx, telemetry.SpanRunPoll, "")
	defer func() { endSpan(span, err) }()

	for {
		run, err := s.store.NextQueuedRun(ctx)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, nil
		}
		span.SetAttributes(attribute.String(telemetry.KeyRunID, run.ID))

		switch run.Type {
		case types.RunTypePlan:
			payload, err := s.planPayload(ctx, run.TaskID)
			if err != nil {
				return nil, err
			}
			return types.NewPlanJob(run.ID, *payload), nil
		case types.RunTypeImplement:
			payload, err := s.implementPayload(ctx, run.TaskID)
			if err != nil {
				return nil, err
			}
			if payload == nil {
				if err := s.failUnrunnable(ctx, run, "no approved plan"); err != nil {
					return nil, err
				}
				continue
			}
			return types.NewImplementJob(run.ID, *payload), nil
		default:
			return nil, fmt.Errorf("run %s has unknown type %q", run.ID, run.Type)
		}
	}
}

// failUnrunnable fails a queued run that no daemon could execute and blocks
// its task. A run claimed in the meantime is left alone.
func (s *Service) failUnrunnable(ctx context.Context, run *types.Run, summary string) error {
	var blocked bool
	err := s.store.WithTx(ctx, func(tx *db.Store) error {
		failed, err := tx.FailQueuedRun(ctx, run.ID, summary, s.nowUnix())
		if err != nil {
			return err
		}
		_, blocked, err = blockTask(ctx, tx, failed.TaskID, "run failed: "+summary)
		return err
	})
	if errors.Is(err, types.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failing unrunnable run %s: %w", run.ID, err)
	}

	s.logger.Warn("queued run cannot be executed", "run", run.ID, "task", run.TaskID, "type", run.Type, "error", summary)
	s.publish(ctx, events.EventRunFailed, run.TaskID, run.ID, map[string]any{"error": summary})
	if blocked {
		s.publish(ctx, events.EventTaskBlocked, run.TaskID, run.ID, map[string]any{"reason": summary})
	}
	return nil
}

func (s *Service) planPayload(ctx context.Context, taskID string) (*types.PlanPayload, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	comments := []string{}
	if s.comments != nil && task.ExternalID != "" {
		fetched, err := s.comments.TaskComments(ctx, task.ExternalID)
		if err != nil {
			s.logger.Warn("fetching task comments", "task", taskID, "err", err)
		} else if fetched != nil {
			comments = fetched
		}
	}

	payload := &types.PlanPayload{
		TaskID: taskID,
		Task: types.PlanTaskInfo{
			Title:       task.Title,
			Description: task.Description,
			Comments:    comments,
			URL:         task.URL,
		},
	}

	latest, err := s.store.LatestPlan(ctx, taskID)
	if errors.Is(err, types.ErrNotFound) {
		return payload, nil
	}
	if err != nil {
		return nil, err
	}
	feedback, err := s.store.LatestFeedback(ctx, latest.ID)
	if err != nil {
		return nil, err
	}
	if feedback != nil {
		payload.PreviousPlan = &types.PreviousPlan{
			Assumptions: latest.Assumptions,
			Approach:    latest.Approach,
			Feedback:    feedback.Content,
		}
	}
	return payload, nil
}

// implementPayload returns nil when the task has no approved plan
func (s *Service) implementPayload(ctx context.Context, taskID string) (*types.ImplementPayload, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	plan, err := s.store.LatestApprovedPlan(ctx, taskID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &types.ImplementPayload{
		TaskID: taskID,
		Title:  task.Title,
		Plan: types.ApprovedPlan{
			Assumptions: plan.Assumptions,
			Approach:    plan.Approach,
			FileChanges: plan.FileChanges,
		},
		Repos: plan.FileChanges.Repos(),
	}, nil
}

// Claim assigns a QUEUED run to a daemon. Exactly one of several concurrent
// claimers succeeds; the others get ErrConflict.
func (s *Service) Claim(ctx context.Context, runID, daemonID string) (run *types.Run, err error) {
	if err := requireField("claim", "daemonId", daemonID); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartRunSpan(ctx, telemetry.SpanRunClaim, runID,
		attribute.String(telemetry.KeyDaemonID, daemonID))
	defer func() { endSpan(span, err) }()

	run, err = s.store.ClaimRun(ctx, runID, daemonID, s.leaseExpiry())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.RunAttrs(run.TaskID, string(run.Type), run.Attempts)...)

	if err := s.store.RecordHeartbeat(ctx, daemonID, s.nowUnix()); err != nil {
		s.logger.Warn("recording heartbeat on claim", "daemon", daemonID, "err", err)
	}

	s.logger.Info("run claimed", "run", run.ID, "task", run.TaskID, "type", run.Type, "daemon", daemonID, "attempt", run.Attempts)
	s.publish(ctx, events.EventRunClaimed, run.TaskID, run.ID, map[string]any{"daemonId": daemonID})
	return run, nil
}

// ReportProgress appends a log chunk and extends the run's lease. An empty
// chunk only refreshes the lease.
func (s *Service) ReportProgress(ctx context.Context, runID, logs string) (err error) {
	ctx, span := telemetry.StartRunSpan(ctx, telemetry.SpanRunProgress, runID,
		attribute.Int("taskwatch.run.log_bytes", len(logs)))
	defer func() { endSpan(span, err) }()

	return s.store.AppendRunLogs(ctx, runID, logs, s.leaseExpiry())
}

// Complete finishes a RUNNING run successfully and applies its result.
//
// A PLAN result creates the next plan version and moves the task to
// PLAN_READY. An IMPLEMENT result records one merge request per entry and
// moves the task to PR_READY. A result that does not validate fails the run,
// blocks the task and is returned as a *types.ValidationError together with
// the failed run.
func (s *Service) Complete(ctx context.Context, runID string, result json.RawMessage) (run *types.Run, err error) {
	ctx, span := telemetry.StartRunSpan(ctx, telemetry.SpanRunComplete, runID)
	defer func() { endSpan(span, err) }()

	var (
		resultErr error
		blocked   bool
		plan      *types.Plan
		mrCount   int
		advanced  bool
	)

	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		current, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if current.Status != types.RunStatusRunning {
			return fmt.Errorf("run %s is %s and cannot be completed: %w", runID, current.Status, types.ErrConflict)
		}

		var planResult *types.PlanResult
		var implResult *types.ImplementResult
		switch current.Type {
		case types.RunTypePlan:
			planResult, resultErr = types.DecodePlanResult(result)
		case types.RunTypeImplement:
			implResult, resultErr = types.DecodeImplementResult(result)
		default:
			return fmt.Errorf("run %s has unknown type %q", runID, current.Type)
		}

		if resultErr != nil {
			run, err = tx.FinishRun(ctx, runID, types.RunStatusFailed, resultErr.Error(), "", s.nowUnix())
			if err != nil {
				return err
			}
			_, blocked, err = blockTask(ctx, tx, run.TaskID, resultErr.Error())
			return err
		}

		run, err = tx.FinishRun(ctx, runID, types.RunStatusSucceeded, "", "", s.nowUnix())
		if err != nil {
			return err
		}

		if planResult != nil {
			plan, err = tx.CreatePlan(ctx, run.TaskID, planResult)
			if err != nil {
				return err
			}
			advanced, err = s.advance(ctx, tx, run, types.TaskStatusPlanReady, types.TaskStatusPlanning,
				fmt.Sprintf("plan v%d ready", plan.Version))
			return err
		}

		for _, mr := range implResult.MergeRequests {
			if mr.BranchName == "" {
				mr.BranchName = DefaultBranchPrefix + run.TaskID
			}
			if _, err := tx.CreateMergeRequest(ctx, run.TaskID, mr); err != nil {
				return err
			}
		}
		mrCount = len(implResult.MergeRequests)
		advanced, err = s.advance(ctx, tx, run, types.TaskStatusPRReady, types.TaskStatusImplementing,
			fmt.Sprintf("%d merge requests opened", mrCount))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("completing run %s: %w", runID, err)
	}

	telemetry.SetRunStatus(span, string(run.Status))

	if resultErr != nil {
		s.logger.Warn("run result rejected", "run", run.ID, "task", run.TaskID, "error", resultErr)
		s.publish(ctx, events.EventRunFailed, run.TaskID, run.ID, map[string]any{"error": run.ErrorSummary})
		if blocked {
			s.publish(ctx, events.EventTaskBlocked, run.TaskID, run.ID, map[string]any{"reason": run.ErrorSummary})
		}
		return run, resultErr
	}

	s.publish(ctx, events.EventRunSucceeded, run.TaskID, run.ID, map[string]any{"type": string(run.Type)})
	switch {
	case plan != nil:
		s.logger.Info("plan ready", "task", run.TaskID, "plan", plan.ID, "version", plan.Version)
		if advanced {
			s.publish(ctx, events.EventPlanReady, run.TaskID, run.ID, map[string]any{
				"planId":  plan.ID,
				"version": plan.Version,
			})
		}
	default:
		s.logger.Info("merge requests opened", "task", run.TaskID, "count", mrCount)
		if advanced {
			s.publish(ctx, events.EventPRReady, run.TaskID, run.ID, map[string]any{"mergeRequests": mrCount})
		}
	}
	return run, nil
}

// advance moves the run's task from `from` to `to`. A task found in another
// status is left alone with a warning so the run's result is still kept.
func (s *Service) advance(ctx context.Context, tx *db.Store, run *types.Run, to, from types.TaskStatus, reason string) (bool, error) {
	prev, err := tx.TransitionTask(ctx, run.TaskID, to, reason, from)
	if errors.Is(err, types.ErrPreconditionFailed) {
		s.logger.Warn("task not advanced after run", "task", run.TaskID, "run", run.ID, "status", prev, "want", from)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Fail finishes a RUNNING run as FAILED and blocks its task
func (s *Service) Fail(ctx context.Context, runID, errorSummary, logs string) (run *types.Run, err error) {
	if err := requireField("fail", "errorSummary", errorSummary); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartRunSpan(ctx, telemetry.SpanRunFail, runID)
	defer func() { endSpan(span, err) }()

	var blocked bool
	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		var err error
		run, err = tx.FinishRun(ctx, runID, types.RunStatusFailed, errorSummary, logs, s.nowUnix())
		if err != nil {
			return err
		}
		_, blocked, err = blockTask(ctx, tx, run.TaskID, "run failed: "+errorSummary)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failing run %s: %w", runID, err)
	}

	s.logger.Warn("run failed", "run", run.ID, "task", run.TaskID, "type", run.Type, "error", errorSummary)
	s.publish(ctx, events.EventRunFailed, run.TaskID, run.ID, map[string]any{"error": errorSummary})
	if blocked {
		s.publish(ctx, events.EventTaskBlocked, run.TaskID, run.ID, map[string]any{"reason": errorSummary})
	}
	return run, nil
}

// ReapExpired handles RUNNING runs whose lease has passed. A run is
// returned to the queue when requeueing is enabled and it has attempts
// left; otherwise it fails and its task is blocked. Returns how many runs
// were reaped.
func (s *Service) ReapExpired(ctx context.Context) (reaped int, err error) {
	ctx, span := telemetry.StartRunSpan(ctx, telemetry.SpanRunReap, "")
	defer func() { endSpan(span, err) }()

	expired, err := s.store.ExpiredRuns(ctx, s.nowUnix())
	if err != nil {
		return 0, err
	}

	for _, run := range expired {
		requeue := s.opts.RequeueExpired && run.Attempts < s.opts.MaxRunAttempts
		if err := s.reap(ctx, run, requeue); err != nil {
			if errors.Is(err, types.ErrConflict) {
				s.logger.Debug("expired run finished concurrently", "run", run.ID)
				continue
			}
			return reaped, err
		}
		reaped++
	}

	span.SetAttributes(attribute.Int("taskwatch.reaper.reaped", reaped))
	return reaped, nil
}

func (s *Service) reap(ctx context.Context, run *types.Run, requeue bool) error {
	if requeue {
		note := fmt.Sprintf("\n[reaper] lease held by %s expired, requeued after attempt %d\n", run.ClaimedBy, run.Attempts)
		if _, err := s.store.RequeueRun(ctx, run.ID, note); err != nil {
			return err
		}
		s.logger.Warn("requeued expired run", "run", run.ID, "task", run.TaskID, "attempt", run.Attempts)
		s.publish(ctx, events.EventRunRequeued, run.TaskID, run.ID, map[string]any{"attempts": run.Attempts})
		return nil
	}

	summary := fmt.Sprintf("lease expired after %d attempt(s)", run.Attempts)
	var blocked bool
	err := s.store.WithTx(ctx, func(tx *db.Store) error {
		if _, err := tx.FinishRun(ctx, run.ID, types.RunStatusFailed, summary, "", s.nowUnix()); err != nil {
			return err
		}
		var err error
		_, blocked, err = blockTask(ctx, tx, run.TaskID, summary)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Warn("failed expired run", "run", run.ID, "task", run.TaskID, "daemon", run.ClaimedBy)
	s.publish(ctx, events.EventRunFailed, run.TaskID, run.ID, map[string]any{"error": summary})
	if blocked {
		s.publish(ctx, events.EventTaskBlocked, run.TaskID, run.ID, map[string]any{"reason": summary})
	}
	return nil
}
