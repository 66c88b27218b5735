package db

import (
	"context"
	"fmt"

	"github.com/cloud-shuttle/taskwatch/pkg/types"
)

// RecordHeartbeat stores the latest heartbeat of a daemon
func (s *Store) RecordHeartbeat(ctx context.Context, daemonID string, at int64) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO daemon_status (id, daemon_id, status, last_heartbeat, updated_at)
		VALUES (1, ?, 'online', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			daemon_id = excluded.daemon_id,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`, daemonID, at, at)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// GetDaemonStatus returns the last recorded heartbeat
func (s *Store) GetDaemonStatus(ctx context.Context) (*types.DaemonStatus, error) {
	var ds types.DaemonStatus
	err := s.conn.QueryRowContext(ctx, `
		SELECT daemon_id, status, last_heartbeat, updated_at FROM daemon_status WHERE id = 1
	`).Scan(&ds.DaemonID, &ds.Status, &ds.LastHeartbeat, &ds.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "daemon status", "")
	}
	return &ds, nil
}
