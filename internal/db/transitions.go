package db

import (
	"context"
	"fmt"
	"slices"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

var allowedTransitions = map[types.TaskStatus]map[types.TaskStatus]struct{}{
	types.TaskStatusNew: {
		types.TaskStatusPlanning: {},
		types.TaskStatusBlocked:  {},
	},
	types.TaskStatusPlanning: {
		types.TaskStatusPlanReady: {},
		types.TaskStatusBlocked:   {},
	},
	types.TaskStatusPlanReady: {
		types.TaskStatusPlanRevision: {},
		types.TaskStatusPlanApproved: {},
		types.TaskStatusBlocked:      {},
	},
	types.TaskStatusPlanRevision: {
		types.TaskStatusPlanning: {},
		types.TaskStatusBlocked:  {},
	},
	types.TaskStatusPlanApproved: {
		types.TaskStatusImplementing: {},
		types.TaskStatusBlocked:      {},
	},
	types.TaskStatusImplementing: {
		types.TaskStatusPRReady: {},
		types.TaskStatusBlocked: {},
	},
	types.TaskStatusPRReady: {
		types.TaskStatusDone:    {},
		types.TaskStatusBlocked: {},
	},
	types.TaskStatusDone: {
		types.TaskStatusNew: {}, // Re-opened by provider sync.
	},
	types.TaskStatusBlocked: {
		types.TaskStatusPlanning: {},
	},
}

// CanTransition reports whether a task may move from one status to another
func CanTransition(from, to types.TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TransitionTask moves a task to a new status and records the change in
// task_events. When allowedFrom is non-empty the current status must be one
// of them, otherwise ErrPreconditionFailed is returned. A move the
// transition table forbids is also ErrPreconditionFailed. The update is a
// compare-and-set on the status read, so a concurrent change yields
// ErrConflict. Returns the previous status.
func (s *Store) TransitionTask(ctx context.Context, taskID string, to types.TaskStatus, reason string, allowedFrom ...types.TaskStatus) (types.TaskStatus, error) {
	current, err := s.taskStatus(ctx, taskID)
	if err != nil {
		return "", err
	}

	if len(allowedFrom) > 0 && !slices.Contains(allowedFrom, current) {
		return current, fmt.Errorf("task %s is %s, expected one of %v: %w",
			taskID, current, allowedFrom, types.ErrPreconditionFailed)
	}
	if !CanTransition(current, to) {
		return current, fmt.Errorf("task %s cannot move from %s to %s: %w",
			taskID, current, to, types.ErrPreconditionFailed)
	}

	now := nowUnix()
	res, err := s.conn.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, now, taskID, current)
	if err != nil {
		return current, fmt.Errorf("updating task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return current, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return current, fmt.Errorf("task %s changed status concurrently: %w", taskID, types.ErrConflict)
	}

	if err := s.recordTaskEvent(ctx, taskID, current, to, reason, now); err != nil {
		return current, err
	}
	return current, nil
}
