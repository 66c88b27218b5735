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

// DaemonHealth is the daemon status surfaced to the dashboard
type DaemonHealth struct {
	Status *types.DaemonStatus `json:"status"`
	Online bool                `json:"online"`
}

// HandleMergeRequestEvent mirrors a provider merge request state. When every
// merge request of a PR_READY task is MERGED the task becomes DONE.
func (s *Service) HandleMergeRequestEvent(ctx context.Context, repoName string, iid int, status types.MergeRequestStatus) (mr *types.MergeRequest, err error) {
	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanMergeRequestUpdate,
		attribute.String(telemetry.KeyRepoName, repoName),
		attribute.Int(telemetry.KeyMergeRequestIID, iid))
	defer func() { endSpan(span, err) }()

	var done bool
	err = s.store.WithTx(ctx, func(tx *db.Store) error {
		var err error
		mr, err = tx.FindMergeRequest(ctx, repoName, iid)
		if err != nil {
			return err
		}
		if mr.Status == status {
			return nil
		}
		if err := tx.UpdateMergeRequestStatus(ctx, mr.ID, status); err != nil {
			return err
		}
		mr.Status = status

		all, err := tx.ListMergeRequests(ctx, mr.TaskID)
		if err != nil {
			return err
		}
		for _, other := range all {
			if other.Status != types.MergeRequestStatusMerged {
				return nil
			}
		}

		task, err := tx.GetTask(ctx, mr.TaskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusPRReady {
			s.logger.Debug("all merge requests merged but task not PR_READY", "task", task.ID, "status", task.Status)
			return nil
		}
		if _, err := tx.TransitionTask(ctx, task.ID, types.TaskStatusDone, "all merge requests merged",
			types.TaskStatusPRReady); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("handling merge request %s!%d: %w", repoName, iid, err)
	}

	s.logger.Info("merge request updated", "task", mr.TaskID, "repo", repoName, "iid", iid, "status", status)
	s.publish(ctx, events.EventMergeRequestUpdated, mr.TaskID, "", map[string]any{
		"repoName": repoName,
		"mrIid":    iid,
		"status":   string(status),
	})
	if done {
		s.publishTransition(ctx, mr.TaskID, types.TaskStatusPRReady, types.TaskStatusDone)
		s.publish(ctx, events.EventTaskDone, mr.TaskID, "", nil)
	}
	return mr, nil
}

// ParseMergeRequestState maps a provider merge request state to a status
func ParseMergeRequestState(state string) types.MergeRequestStatus {
	switch strings.ToLower(state) {
	case "merged":
		return types.MergeRequestStatusMerged
	case "closed":
		return types.MergeRequestStatusClosed
	default:
		return types.MergeRequestStatusOpen
	}
}

// RegisterWorktree records a checkout a daemon created for a task
func (s *Service) RegisterWorktree(ctx context.Context, taskID, repoName, path, branchName string) (*types.Worktree, error) {
	var problems []string
	for _, f := range []struct{ name, value string }{
		{"taskId", taskID},
		{"repoName", repoName},
		{"path", path},
		{"branchName", branchName},
	} {
		if f.value == "" {
			problems = append(problems, f.name+" is required")
		}
	}
	if err := types.NewValidationError("worktree", problems); err != nil {
		return nil, err
	}

	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	wt, err := s.store.CreateWorktree(ctx, taskID, repoName, path, branchName)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("worktree registered", "task", taskID, "repo", repoName, "path", path)
	return wt, nil
}

// DeleteWorktree removes a worktree registration
func (s *Service) DeleteWorktree(ctx context.Context, id string) error {
	return s.store.DeleteWorktree(ctx, id)
}

// GetWorktree returns one worktree registration
func (s *Service) GetWorktree(ctx context.Context, id string) (*types.Worktree, error) {
	return s.store.GetWorktree(ctx, id)
}

// ListWorktrees returns registered worktrees, optionally for one task
func (s *Service) ListWorktrees(ctx context.Context, taskID string) ([]*types.Worktree, error) {
	return s.store.ListWorktrees(ctx, taskID)
}

// Heartbeat records that a daemon is alive
func (s *Service) Heartbeat(ctx context.Context, daemonID string) error {
	if err := requireField("heartbeat", "daemonId", daemonID); err != nil {
		return err
	}
	return s.store.RecordHeartbeat(ctx, daemonID, s.nowUnix())
}

// DaemonStatus reports the last heartbeat and whether it is recent enough
// to consider the daemon online
func (s *Service) DaemonStatus(ctx context.Context) (*DaemonHealth, error) {
	status, err := s.store.GetDaemonStatus(ctx)
	if errors.Is(err, types.ErrNotFound) {
		return &DaemonHealth{}, nil
	}
	if err != nil {
		return nil, err
	}

	age := s.nowUnix() - status.LastHeartbeat
	return &DaemonHealth{
		Status: status,
		Online: age < int64(s.opts.DaemonOnlineWindow.Seconds()),
	}, nil
}

// ListTasks returns an owner's tasks with their current plan, merge
// requests and active run. An empty owner lists every task.
func (s *Service) ListTasks(ctx context.Context, ownerID string) ([]*types.TaskDetails, error) {
	tasks, err := s.store.ListTasks(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	details := make([]*types.TaskDetails, 0, len(tasks))
	for _, task := range tasks {
		d, err := s.details(ctx, task)
		if err != nil {
			return nil, err
		}
		details = append(details, d)
	}
	return details, nil
}

// GetTask returns one task with its current plan, merge requests and active run
func (s *Service) GetTask(ctx context.Context, taskID string) (*types.TaskDetails, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.details(ctx, task)
}

func (s *Service) details(ctx context.Context, task *types.Task) (*types.TaskDetails, error) {
	d := &types.TaskDetails{Task: *task}

	plan, err := s.store.LatestPlan(ctx, task.ID)
	switch {
	case err == nil:
		d.CurrentPlan = plan
	case !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	if d.MergeRequests, err = s.store.ListMergeRequests(ctx, task.ID); err != nil {
		return nil, err
	}
	if d.MergeRequests == nil {
		d.MergeRequests = []*types.MergeRequest{}
	}
	if d.ActiveRun, err = s.store.ActiveRun(ctx, task.ID); err != nil {
		return nil, err
	}
	return d, nil
}

// ListPlans returns a task's plans, newest first
func (s *Service) ListPlans(ctx context.Context, taskID string) ([]*types.Plan, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListPlans(ctx, taskID)
}

// GetPlan returns a plan with its feedback
func (s *Service) GetPlan(ctx context.Context, planID string) (*types.Plan, error) {
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.Feedback, err = s.store.ListPlanFeedback(ctx, planID); err != nil {
		return nil, err
	}
	return plan, nil
}

// ListRuns returns a task's runs, newest first
func (s *Service) ListRuns(ctx context.Context, taskID string) ([]*types.Run, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListRuns(ctx, taskID)
}

// GetRun returns a run including its logs
func (s *Service) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListMergeRequests returns a task's merge requests
func (s *Service) ListMergeRequests(ctx context.Context, taskID string) ([]*types.MergeRequest, error) {
	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return s.store.ListMergeRequests(ctx, taskID)
}

// TaskEvents returns a task's recorded status transitions
func (s *Service) TaskEvents(ctx context.Context, taskID string) ([]*types.TaskEvent, error) {
	return s.store.ListTaskEvents(ctx, taskID)
}
