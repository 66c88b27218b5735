package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

const taskColumns = `id, owner_id, external_task_id, title, description, url,
	external_status, status, external_updated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var t types.Task
	err := row.Scan(&t.ID, &t.OwnerID, &t.ExternalID, &t.Title, &t.Description, &t.URL,
		&t.ExternalStatus, &t.Status, &t.ExternalUpdatedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask inserts a task in status NEW
func (s *Store) CreateTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	now := nowUnix()
	created := *task
	created.ID = generateID("task")
	created.Status = types.TaskStatusNew
	created.CreatedAt = now
	created.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, created.ID, created.OwnerID, created.ExternalID, created.Title, created.Description, created.URL,
		created.ExternalStatus, created.Status, created.ExternalUpdatedAt, created.CreatedAt, created.UpdatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("task %s for owner %s already exists: %w", task.ExternalID, task.OwnerID, types.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	return &created, nil
}

// UpsertTask inserts a provider task or refreshes its mirrored fields. The
// local status of an existing task is left untouched. The returned bool is
// true when a new row was created.
func (s *Store) UpsertTask(ctx context.Context, task *types.Task) (*types.Task, bool, error) {
	var result *types.Task
	var created bool

	err := s.WithTx(ctx, func(tx *Store) error {
		existing, err := tx.GetTaskByExternalID(ctx, task.OwnerID, task.ExternalID)
		if errors.Is(err, types.ErrNotFound) {
			result, err = tx.CreateTask(ctx, task)
			created = err == nil
			return err
		}
		if err != nil {
			return err
		}

		now := nowUnix()
		_, err = tx.conn.ExecContext(ctx, `
			UPDATE tasks
			SET title = ?, description = ?, url = ?, external_status = ?,
			    external_updated_at = ?, updated_at = ?
			WHERE id = ?
		`, task.Title, task.Description, task.URL, task.ExternalStatus, task.ExternalUpdatedAt, now, existing.ID)
		if err != nil {
			return fmt.Errorf("updating task %s: %w", existing.ID, err)
		}

		existing.Title = task.Title
		existing.Description = task.Description
		existing.URL = task.URL
		existing.ExternalStatus = task.ExternalStatus
		existing.ExternalUpdatedAt = task.ExternalUpdatedAt
		existing.UpdatedAt = now
		result = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return result, created, nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task", taskID)
	}
	return task, nil
}

// GetTaskByExternalID retrieves a task by its owner and provider ID
func (s *Store) GetTaskByExternalID(ctx context.Context, ownerID, externalID string) (*types.Task, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? AND external_task_id = ?
	`, ownerID, externalID)
	task, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, "task", externalID)
	}
	return task, nil
}

// ListTasks returns tasks, most recently updated first. An empty ownerID
// returns every owner's tasks.
func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY updated_at DESC, id`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ListTaskEvents returns the recorded transitions of a task in order
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]*types.TaskEvent, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, task_id, from_status, to_status, reason, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying task events: %w", err)
	}
	defer rows.Close()

	var events []*types.TaskEvent
	for rows.Next() {
		var e types.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.FromStatus, &e.ToStatus, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning task event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *Store) recordTaskEvent(ctx context.Context, taskID string, from, to types.TaskStatus, reason string, at int64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO task_events (id, task_id, from_status, to_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, generateID("evt"), taskID, from, to, reason, at)
	if err != nil {
		return fmt.Errorf("recording task event: %w", err)
	}
	return nil
}

func (s *Store) taskStatus(ctx context.Context, taskID string) (types.TaskStatus, error) {
	var status string
	err := s.conn.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %s: %w", taskID, types.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting task status: %w", err)
	}
	return types.TaskStatus(status), nil
}
