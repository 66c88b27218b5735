package db

import (
	"context"
	"fmt"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

const mergeRequestColumns = `id, task_id, repo_name, branch_name, mr_url, mr_iid, status, created_at, updated_at`

func scanMergeRequest(row rowScanner) (*types.MergeRequest, error) {
	var mr types.MergeRequest
	err := row.Scan(&mr.ID, &mr.TaskID, &mr.RepoName, &mr.BranchName, &mr.URL, &mr.IID,
		&mr.Status, &mr.CreatedAt, &mr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &mr, nil
}

// CreateMergeRequest records an OPEN merge request for a task
func (s *Store) CreateMergeRequest(ctx context.Context, taskID string, info types.MergeRequestInfo) (*types.MergeRequest, error) {
	now := nowUnix()
	mr := &types.MergeRequest{
		ID:         generateID("mr"),
		TaskID:     taskID,
		RepoName:   info.RepoName,
		BranchName: info.BranchName,
		URL:        info.MRURL,
		IID:        info.MRIID,
		Status:     types.MergeRequestStatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO merge_requests (`+mergeRequestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, mr.ID, mr.TaskID, mr.RepoName, mr.BranchName, mr.URL, mr.IID, mr.Status, mr.CreatedAt, mr.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating merge request: %w", err)
	}
	return mr, nil
}

// ListMergeRequests returns a task's merge requests in creation order
func (s *Store) ListMergeRequests(ctx context.Context, taskID string) ([]*types.MergeRequest, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+mergeRequestColumns+`
		FROM merge_requests
		WHERE task_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying merge requests: %w", err)
	}
	defer rows.Close()

	var mrs []*types.MergeRequest
	for rows.Next() {
		mr, err := scanMergeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning merge request: %w", err)
		}
		mrs = append(mrs, mr)
	}
	return mrs, rows.Err()
}

// FindMergeRequest returns the newest merge request for a repository and
// provider IID
func (s *Store) FindMergeRequest(ctx context.Context, repoName string, iid int) (*types.MergeRequest, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+mergeRequestColumns+`
		FROM merge_requests
		WHERE repo_name = ? AND mr_iid = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, repoName, iid)
	mr, err := scanMergeRequest(row)
	if err != nil {
		return nil, notFound(err, "merge request", fmt.Sprintf("%s!%d", repoName, iid))
	}
	return mr, nil
}

// UpdateMergeRequestStatus sets the mirrored status of a merge request
func (s *Store) UpdateMergeRequestStatus(ctx context.Context, mrID string, status types.MergeRequestStatus) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE merge_requests SET status = ?, updated_at = ? WHERE id = ?
	`, status, nowUnix(), mrID)
	if err != nil {
		return fmt.Errorf("updating merge request status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("merge request rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("merge request %s: %w", mrID, types.ErrNotFound)
	}
	return nil
}
