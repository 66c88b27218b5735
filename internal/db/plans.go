package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

const planColumns = `id, task_id, version, assumptions, approach, file_changes,
	status, approved_at, created_at`

func scanPlan(row rowScanner) (*types.Plan, error) {
	var p types.Plan
	var fileChanges string
	var approvedAt sql.NullInt64
	err := row.Scan(&p.ID, &p.TaskID, &p.Version, &p.Assumptions, &p.Approach, &fileChanges,
		&p.Status, &approvedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fileChanges), &p.FileChanges); err != nil {
		return nil, fmt.Errorf("decoding file changes of plan %s: %w", p.ID, err)
	}
	p.ApprovedAt = nullableInt(approvedAt)
	return &p, nil
}

// CreatePlan stores a new PENDING plan whose version is one more than the
// number of plans the task already has.
func (s *Store) CreatePlan(ctx context.Context, taskID string, result *types.PlanResult) (*types.Plan, error) {
	fileChanges := result.FileChanges
	if fileChanges == nil {
		fileChanges = types.FileChanges{}
	}
	encoded, err := json.Marshal(fileChanges)
	if err != nil {
		return nil, fmt.Errorf("encoding file changes: %w", err)
	}

	var count int
	err = s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM plans WHERE task_id = ?`, taskID).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("counting plans: %w", err)
	}

	plan := &types.Plan{
		ID:          generateID("plan"),
		TaskID:      taskID,
		Version:     count + 1,
		Assumptions: result.Assumptions,
		Approach:    result.Approach,
		FileChanges: fileChanges,
		Status:      types.PlanStatusPending,
		CreatedAt:   nowUnix(),
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO plans (id, task_id, version, assumptions, approach, file_changes, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, plan.ID, plan.TaskID, plan.Version, plan.Assumptions, plan.Approach, string(encoded), plan.Status, plan.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("plan version %d of task %s already exists: %w", plan.Version, taskID, types.ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("creating plan: %w", err)
	}

	return plan, nil
}

// GetPlan retrieves a plan by ID
func (s *Store) GetPlan(ctx context.Context, planID string) (*types.Plan, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, planID)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, notFound(err, "plan", planID)
	}
	return plan, nil
}

// LatestPlan returns the highest version plan of a task
func (s *Store) LatestPlan(ctx context.Context, taskID string) (*types.Plan, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+planColumns+` FROM plans WHERE task_id = ? ORDER BY version DESC LIMIT 1
	`, taskID)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, notFound(err, "plan for task", taskID)
	}
	return plan, nil
}

// LatestApprovedPlan returns the highest version APPROVED plan of a task
func (s *Store) LatestApprovedPlan(ctx context.Context, taskID string) (*types.Plan, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE task_id = ? AND status = 'APPROVED'
		ORDER BY version DESC
		LIMIT 1
	`, taskID)
	plan, err := scanPlan(row)
	if err != nil {
		return nil, notFound(err, "approved plan for task", taskID)
	}
	return plan, nil
}

// ListPlans returns a task's plans, newest version first
func (s *Store) ListPlans(ctx context.Context, taskID string) ([]*types.Plan, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+planColumns+` FROM plans WHERE task_id = ? ORDER BY version DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying plans: %w", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// UpdatePlanStatus moves a plan from one review status to another. A plan
// no longer in the expected status is ErrConflict.
func (s *Store) UpdatePlanStatus(ctx context.Context, planID string, from, to types.PlanStatus, approvedAt *int64) (*types.Plan, error) {
	var approved any
	if approvedAt != nil {
		approved = *approvedAt
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE plans
		SET status = ?, approved_at = COALESCE(?, approved_at)
		WHERE id = ? AND status = ?
	`, to, approved, planID, from)
	if err != nil {
		return nil, fmt.Errorf("updating plan status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("plan rows affected: %w", err)
	}

	plan, err := s.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("plan %s is %s, not %s: %w", planID, plan.Status, from, types.ErrConflict)
	}
	return plan, nil
}

// AddPlanFeedback appends a feedback entry to a plan
func (s *Store) AddPlanFeedback(ctx context.Context, planID, content string) (*types.PlanFeedback, error) {
	fb := &types.PlanFeedback{
		ID:        generateID("fb"),
		PlanID:    planID,
		Content:   content,
		CreatedAt: nowUnix(),
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO plan_feedback (id, plan_id, content, created_at)
		VALUES (?, ?, ?, ?)
	`, fb.ID, fb.PlanID, fb.Content, fb.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("adding plan feedback: %w", err)
	}
	return fb, nil
}

// ListPlanFeedback returns a plan's feedback in the order it was given
func (s *Store) ListPlanFeedback(ctx context.Context, planID string) ([]*types.PlanFeedback, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, plan_id, content, created_at
		FROM plan_feedback
		WHERE plan_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("querying plan feedback: %w", err)
	}
	defer rows.Close()

	var feedback []*types.PlanFeedback
	for rows.Next() {
		var fb types.PlanFeedback
		if err := rows.Scan(&fb.ID, &fb.PlanID, &fb.Content, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning plan feedback: %w", err)
		}
		feedback = append(feedback, &fb)
	}
	return feedback, rows.Err()
}

// LatestFeedback returns the most recent feedback on a plan, or nil
func (s *Store) LatestFeedback(ctx context.Context, planID string) (*types.PlanFeedback, error) {
	var fb types.PlanFeedback
	err := s.conn.QueryRowContext(ctx, `
		SELECT id, plan_id, content, created_at
		FROM plan_feedback
		WHERE plan_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, planID).Scan(&fb.ID, &fb.PlanID, &fb.Content, &fb.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest feedback: %w", err)
	}
	return &fb, nil
}
