package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

const runColumns = `id, task_id, type, status, started_at, finished_at, logs,
	COALESCE(error_summary, ''), COALESCE(claimed_by, ''), lease_expires_at, attempts`

func scanRun(row rowScanner) (*types.Run, error) {
	var r types.Run
	var finishedAt, leaseExpiresAt sql.NullInt64
	err := row.Scan(&r.ID, &r.TaskID, &r.Type, &r.Status, &r.StartedAt, &finishedAt, &r.Logs,
		&r.ErrorSummary, &r.ClaimedBy, &leaseExpiresAt, &r.Attempts)
	if err != nil {
		return nil, err
	}
	r.FinishedAt = nullableInt(finishedAt)
	r.LeaseExpiresAt = nullableInt(leaseExpiresAt)
	return &r, nil
}

// EnqueueRun creates a QUEUED run for a task. The insert only happens when
// the task has no QUEUED or RUNNING run; otherwise ErrConflict is returned.
func (s *Store) EnqueueRun(ctx context.Context, taskID string, runType types.RunType) (*types.Run, error) {
	run := &types.Run{
		ID:        generateID("run"),
		TaskID:    taskID,
		Type:      runType,
		Status:    types.RunStatusQueued,
		StartedAt: nowUnix(),
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, type, status, started_at, logs, attempts)
		SELECT ?, ?, ?, 'QUEUED', ?, '', 0
		WHERE NOT EXISTS (
			SELECT 1 FROM runs WHERE task_id = ? AND status IN ('QUEUED', 'RUNNING')
		)
	`, run.ID, run.TaskID, run.Type, run.StartedAt, taskID)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("task %s already has an active run: %w", taskID, types.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueueing run: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("enqueue rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("task %s already has an active run: %w", taskID, types.ErrConflict)
	}

	return run, nil
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(ctx context.Context, runID string) (*types.Run, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if err != nil {
		return nil, notFound(err, "run", runID)
	}
	return run, nil
}

// NextQueuedRun returns the oldest QUEUED run without changing it, or nil
// when the queue is empty.
func (s *Store) NextQueuedRun(ctx context.Context) (*types.Run, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status = 'QUEUED'
		ORDER BY started_at ASC, rowid ASC
		LIMIT 1
	`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("polling queue: %w", err)
	}
	return run, nil
}

// ActiveRun returns the task's QUEUED or RUNNING run, or nil
func (s *Store) ActiveRun(ctx context.Context, taskID string) (*types.Run, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE task_id = ? AND status IN ('QUEUED', 'RUNNING')
		LIMIT 1
	`, taskID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting active run: %w", err)
	}
	return run, nil
}

// ListRuns returns a task's runs, newest first
func (s *Store) ListRuns(ctx context.Context, taskID string) ([]*types.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE task_id = ?
		ORDER BY started_at DESC, rowid DESC
	`, taskID)
}

// ClaimRun atomically moves a QUEUED run to RUNNING for a daemon.
//
// The status check and the update are one statement, so of several
// concurrent claimers exactly one succeeds. A missing run is ErrNotFound;
// a run in any other status is ErrConflict.
func (s *Store) ClaimRun(ctx context.Context, runID, daemonID string, leaseExpiresAt int64) (*types.Run, error) {
	row := s.conn.QueryRowContext(ctx, `
		UPDATE runs
		SET status = 'RUNNING',
		    claimed_by = ?,
		    lease_expires_at = ?,
		    attempts = attempts + 1
		WHERE id = ? AND status = 'QUEUED'
		RETURNING `+runColumns, daemonID, leaseExpiresAt, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, runID, "claimed")
	}
	if err != nil {
		return nil, fmt.Errorf("claiming run: %w", err)
	}
	return run, nil
}

// AppendRunLogs appends chunk to the run's logs in one statement and extends
// the lease of a RUNNING run. An empty chunk only checks existence and
// refreshes the lease.
func (s *Store) AppendRunLogs(ctx context.Context, runID, chunk string, leaseExpiresAt int64) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE runs
		SET logs = COALESCE(logs, '') || ?,
		    lease_expires_at = CASE WHEN status = 'RUNNING' THEN ? ELSE lease_expires_at END
		WHERE id = ?
	`, chunk, leaseExpiresAt, runID)
	if err != nil {
		return fmt.Errorf("appending run logs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("run %s: %w", runID, types.ErrNotFound)
	}
	return nil
}

// FinishRun moves a RUNNING run to SUCCEEDED or FAILED, appending logs and
// recording the error summary. A run that is not RUNNING is ErrConflict, so
// a second complete or fail changes nothing.
func (s *Store) FinishRun(ctx context.Context, runID string, status types.RunStatus, errorSummary, logs string, finishedAt int64) (*types.Run, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("finishing run %s with non-terminal status %s", runID, status)
	}

	var summary any
	if errorSummary != "" {
		summary = errorSummary
	}

	row := s.conn.QueryRowContext(ctx, `
		UPDATE runs
		SET status = ?,
		    finished_at = ?,
		    error_summary = COALESCE(?, error_summary),
		    logs = COALESCE(logs, '') || ?,
		    lease_expires_at = NULL
		WHERE id = ? AND status = 'RUNNING'
		RETURNING `+runColumns, status, finishedAt, summary, logs, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, runID, "finished")
	}
	if err != nil {
		return nil, fmt.Errorf("finishing run: %w", err)
	}
	return run, nil
}

// FailQueuedRun fails a run that is still QUEUED, for a run that can never
// be handed to a daemon. A run in any other status is ErrConflict.
func (s *Store) FailQueuedRun(ctx context.Context, runID, errorSummary string, finishedAt int64) (*types.Run, error) {
	row := s.conn.QueryRowContext(ctx, `
		UPDATE runs
		SET status = 'FAILED',
		    finished_at = ?,
		    error_summary = ?
		WHERE id = ? AND status = 'QUEUED'
		RETURNING `+runColumns, finishedAt, errorSummary, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, runID, "failed")
	}
	if err != nil {
		return nil, fmt.Errorf("failing queued run: %w", err)
	}
	return run, nil
}

// ExpiredRuns returns RUNNING runs whose lease ended before now
func (s *Store) ExpiredRuns(ctx context.Context, now int64) ([]*types.Run, error) {
	return s.queryRuns(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status = 'RUNNING' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
		ORDER BY lease_expires_at ASC
	`, now)
}

// RequeueRun returns a RUNNING run to the queue, clearing its claim
func (s *Store) RequeueRun(ctx context.Context, runID, note string) (*types.Run, error) {
	row := s.conn.QueryRowContext(ctx, `
		UPDATE runs
		SET status = 'QUEUED',
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    logs = COALESCE(logs, '') || ?
		WHERE id = ? AND status = 'RUNNING'
		RETURNING `+runColumns, note, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.explainMiss(ctx, runID, "requeued")
	}
	if err != nil {
		return nil, fmt.Errorf("requeueing run: %w", err)
	}
	return run, nil
}

// explainMiss distinguishes a missing run from one in the wrong status
// after a conditional update matched no rows.
func (s *Store) explainMiss(ctx context.Context, runID, action string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return fmt.Errorf("run %s is %s and cannot be %s: %w", runID, run.Status, action, types.ErrConflict)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*types.Run, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
