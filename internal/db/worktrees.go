package db

import (
	"context"
	"fmt"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

const worktreeColumns = `id, task_id, repo_name, path, branch_name, created_at`

// CreateWorktree registers a worktree a daemon created
func (s *Store) CreateWorktree(ctx context.Context, taskID, repoName, path, branchName string) (*types.Worktree, error) {
	wt := &types.Worktree{
		ID:         generateID("wt"),
		TaskID:     taskID,
		RepoName:   repoName,
		Path:       path,
		BranchName: branchName,
		CreatedAt:  nowUnix(),
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO worktrees (`+worktreeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
	`, wt.ID, wt.TaskID, wt.RepoName, wt.Path, wt.BranchName, wt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating worktree record: %w", err)
	}
	return wt, nil
}

// GetWorktree retrieves a worktree registration by ID
func (s *Store) GetWorktree(ctx context.Context, id string) (*types.Worktree, error) {
	var wt types.Worktree
	err := s.conn.QueryRowContext(ctx, `
		SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?
	`, id).Scan(&wt.ID, &wt.TaskID, &wt.RepoName, &wt.Path, &wt.BranchName, &wt.CreatedAt)
	if err != nil {
		return nil, notFound(err, "worktree", id)
	}
	return &wt, nil
}

// ListWorktrees returns registered worktrees, newest first. An empty taskID
// lists all of them.
func (s *Store) ListWorktrees(ctx context.Context, taskID string) ([]*types.Worktree, error) {
	query := `SELECT ` + worktreeColumns + ` FROM worktrees`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying worktrees: %w", err)
	}
	defer rows.Close()

	var worktrees []*types.Worktree
	for rows.Next() {
		var wt types.Worktree
		if err := rows.Scan(&wt.ID, &wt.TaskID, &wt.RepoName, &wt.Path, &wt.BranchName, &wt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning worktree: %w", err)
		}
		worktrees = append(worktrees, &wt)
	}
	return worktrees, rows.Err()
}

// DeleteWorktree removes a worktree registration
func (s *Store) DeleteWorktree(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting worktree record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worktree rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("worktree %s: %w", id, types.ErrNotFound)
	}
	return nil
}
