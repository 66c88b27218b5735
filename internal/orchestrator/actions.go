package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cloud-shuttle/taskwatch/internal/db"
	"github.com/cloud-shuttle/taskwatch/internal/events"
	"github.com/cloud-shuttle/taskwatch/pkg/telemetry"
	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// RequestPlan moves a NEW or BLOCKED task to PLANNING and enqueues a PLAN run
func (s *Service) RequestPlan(ctx context.Context, taskID string) (run *types.Run, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanRunEnqueue,
		telemetry.TaskAttrs(taskID, string(types.TaskStatusPlanning))...)
	defer func() { endSpan(span, err) }()

	var prev types.TaskStatus
	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		var err error
		prev, err = tx.TransitionTask(ctx, taskID, types.TaskStatusPlanning, "plan requested",
			types.TaskStatusNew, types.TaskStatusBlocked)
		if err != nil {
			return err
		}
		run, err = tx.EnqueueRun(ctx, taskID, types.RunTypePlan)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("requesting plan: %w", err)
	}

	s.logger.Info("plan requested", "task", taskID, "run", run.ID)
	s.publishTransition(ctx, taskID, prev, types.TaskStatusPlanning)
	s.publish(ctx, events.EventRunQueued, taskID, run.ID, map[string]any{"type": string(run.Type)})
	return run, nil
}

// SubmitFeedback records feedback on a task's current plan, marks the plan
// CHANGES_REQUESTED and sends the task back to PLANNING with a new PLAN run.
func (s *Service) SubmitFeedback(ctx context.Context, planID, content string) (run *types.Run, err error) {
	content = strings.TrimSpace(content)
	if err := requireField("feedback", "content", content); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskTransition, attribute.String(telemetry.KeyPlanID, planID))
	defer func() { endSpan(span, err) }()

	var taskID string
	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		plan, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		taskID = plan.TaskID

		latest, err := tx.LatestPlan(ctx, plan.TaskID)
		if err != nil {
			return err
		}
		if latest.ID != plan.ID {
			return fmt.Errorf("plan %s is version %d, current is %d: %w",
				planID, plan.Version, latest.Version, types.ErrPreconditionFailed)
		}

		if _, err := tx.TransitionTask(ctx, plan.TaskID, types.TaskStatusPlanRevision, "feedback submitted",
			types.TaskStatusPlanReady); err != nil {
			return err
		}
		if _, err := tx.AddPlanFeedback(ctx, planID, content); err != nil {
			return err
		}
		if _, err := tx.UpdatePlanStatus(ctx, planID, types.PlanStatusPending, types.PlanStatusChangesRequested, nil); err != nil {
			return err
		}
		if _, err := tx.TransitionTask(ctx, plan.TaskID, types.TaskStatusPlanning, "re-planning with feedback",
			types.TaskStatusPlanRevision); err != nil {
			return err
		}

		run, err = tx.EnqueueRun(ctx, plan.TaskID, types.RunTypePlan)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("submitting feedback: %w", err)
	}

	s.logger.Info("feedback submitted", "task", taskID, "plan", planID, "run", run.ID)
	s.publishTransition(ctx, taskID, types.TaskStatusPlanReady, types.TaskStatusPlanning)
	s.publish(ctx, events.EventRunQueued, taskID, run.ID, map[string]any{"type": string(run.Type)})
	return run, nil
}

// ApprovePlan approves the latest plan of a PLAN_READY task while it is
// PENDING. Approving an already approved plan is ErrConflict; a plan with
// changes requested or superseded by a newer version is
// ErrPreconditionFailed.
func (s *Service) ApprovePlan(ctx context.Context, planID string) (plan *types.Plan, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskTransition, attribute.String(telemetry.KeyPlanID, planID))
	defer func() { endSpan(span, err) }()

	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		current, err := tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		switch current.Status {
		case types.PlanStatusApproved:
			return fmt.Errorf("plan %s is already approved: %w", planID, types.ErrConflict)
		case types.PlanStatusChangesRequested:
			return fmt.Errorf("plan %s has changes requested: %w", planID, types.ErrPreconditionFailed)
		}

		latest, err := tx.LatestPlan(ctx, current.TaskID)
		if err != nil {
			return err
		}
		if latest.ID != current.ID {
			return fmt.Errorf("plan %s is version %d, current is %d: %w",
				planID, current.Version, latest.Version, types.ErrPreconditionFailed)
		}

		if _, err := tx.TransitionTask(ctx, current.TaskID, types.TaskStatusPlanApproved, "plan approved",
			types.TaskStatusPlanReady); err != nil {
			return err
		}

		approvedAt := s.nowUnix()
		plan, err = tx.UpdatePlanStatus(ctx, planID, types.PlanStatusPending, types.PlanStatusApproved, &approvedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("approving plan: %w", err)
	}

	span.SetAttributes(attribute.Int(telemetry.KeyPlanVersion, plan.Version))
	s.logger.Info("plan approved", "task", plan.TaskID, "plan", plan.ID, "version", plan.Version)
	s.publishTransition(ctx, plan.TaskID, types.TaskStatusPlanReady, types.TaskStatusPlanApproved)
	s.publish(ctx, events.EventPlanApproved, plan.TaskID, "", map[string]any{
		"planId":  plan.ID,
		"version": plan.Version,
	})
	return plan, nil
}

// TriggerImplementation enqueues an IMPLEMENT run for a PLAN_APPROVED task
// that has an approved plan
func (s *Service) TriggerImplementation(ctx context.Context, taskID string) (run *types.Run, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanRunEnqueue,
		telemetry.TaskAttrs(taskID, string(types.TaskStatusImplementing))...)
	defer func() { endSpan(span, err) }()

	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusPlanApproved {
			return fmt.Errorf("task %s is %s, not %s: %w",
				taskID, task.Status, types.TaskStatusPlanApproved, types.ErrPreconditionFailed)
		}
		if _, err := tx.LatestApprovedPlan(ctx, taskID); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("task %s has no approved plan: %w", taskID, types.ErrPreconditionFailed)
			}
			return err
		}

		if _, err := tx.TransitionTask(ctx, taskID, types.TaskStatusImplementing, "implementation triggered",
			types.TaskStatusPlanApproved); err != nil {
			return err
		}
		run, err = tx.EnqueueRun(ctx, taskID, types.RunTypeImplement)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("triggering implementation: %w", err)
	}

	s.logger.Info("implementation triggered", "task", taskID, "run", run.ID)
	s.publishTransition(ctx, taskID, types.TaskStatusPlanApproved, types.TaskStatusImplementing)
	s.publish(ctx, events.EventRunQueued, taskID, run.ID, map[string]any{"type": string(run.Type)})
	return run, nil
}
