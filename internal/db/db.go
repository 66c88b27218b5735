// Package db handles persistence for TaskWatch: tasks, plans, the run queue,
// merge requests, worktrees and daemon heartbeats.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/taskwatch/pkg/types"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverCGO is the mattn/go-sqlite3 driver
	DriverCGO = "sqlite3"
	// DriverPure is the CGO-free glebarez/go-sqlite driver
	DriverPure = "sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store manages database operations. A Store returned by WithTx runs every
// call inside that transaction.
type Store struct {
	DB   *sql.DB
	conn querier
	inTx bool
}

// StatusCounts summarizes tasks and runs by status
type StatusCounts struct {
	Tasks map[types.TaskStatus]int
	Runs  map[types.RunStatus]int
}

// Open opens a SQLite database at the given path with the named driver.
// An empty driver selects mattn/go-sqlite3.
func Open(driver, path string) (*Store, error) {
	if driver == "" {
		driver = DriverCGO
	}
	if driver != DriverCGO && driver != DriverPure {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows one writer; a single connection keeps PRAGMAs and
	// transactions on the same handle.
	db.SetMaxOpenConns(1)

	pragmas := []struct {
		stmt string
		what string
	}{
		{"PRAGMA foreign_keys = ON", "enabling foreign keys"},
		{"PRAGMA journal_mode = WAL", "enabling WAL mode"},
		{"PRAGMA busy_timeout = 5000", "setting busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p.what, err)
		}
	}

	return &Store{DB: db, conn: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
// Nested calls reuse the outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{DB: s.DB, conn: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// InitSchema creates the database schema
func (s *Store) InitSchema() error {
	schema := `
	-- Tasks mirror work items from the ticketing provider
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		external_task_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		external_status TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'NEW',
		external_updated_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (owner_id, external_task_id)
	);

	-- Plans are versioned per task and never overwritten
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		assumptions TEXT NOT NULL,
		approach TEXT NOT NULL,
		file_changes TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'PENDING',
		approved_at INTEGER,
		created_at INTEGER NOT NULL,
		UNIQUE (task_id, version),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS plan_feedback (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (plan_id) REFERENCES plans(id) ON DELETE CASCADE
	);

	-- Runs are the job queue; rows are never deleted
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		logs TEXT NOT NULL DEFAULT '',
		error_summary TEXT,
		claimed_by TEXT,
		lease_expires_at INTEGER,
		attempts INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS merge_requests (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		mr_url TEXT NOT NULL,
		mr_iid INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'OPEN',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- Worktrees registered by daemons for central listing and cleanup
	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		repo_name TEXT NOT NULL,
		path TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- Audit trail of task status transitions
	CREATE TABLE IF NOT EXISTS task_events (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	-- Single row holding the last daemon heartbeat
	CREATE TABLE IF NOT EXISTS daemon_status (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		daemon_id TEXT NOT NULL,
		status TEXT NOT NULL,
		last_heartbeat INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_plans_task ON plans(task_id, version);
	CREATE INDEX IF NOT EXISTS idx_feedback_plan ON plan_feedback(plan_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_queue ON runs(status, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_mrs_task ON merge_requests(task_id);
	CREATE INDEX IF NOT EXISTS idx_mrs_repo_iid ON merge_requests(repo_name, mr_iid);
	CREATE INDEX IF NOT EXISTS idx_worktrees_task ON worktrees(task_id);
	CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, created_at);

	-- At most one active run per task
	CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_one_active
		ON runs(task_id) WHERE status IN ('QUEUED', 'RUNNING');
	`

	if _, err := s.DB.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return s.MigrateSchema()
}

// MigrateSchema runs database migrations for existing databases
// This adds the lease columns that weren't in the first runs schema
func (s *Store) MigrateSchema() error {
	columns := []struct {
		name string
		ddl  string
	}{
		{"claimed_by", "ALTER TABLE runs ADD COLUMN claimed_by TEXT"},
		{"lease_expires_at", "ALTER TABLE runs ADD COLUMN lease_expires_at INTEGER"},
		{"attempts", "ALTER TABLE runs ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0"},
	}

	for _, col := range columns {
		var exists bool
		err := s.DB.QueryRow(`
			SELECT COUNT(*) > 0 FROM pragma_table_info('runs') WHERE name = ?
		`, col.name).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking for %s column: %w", col.name, err)
		}
		if exists {
			continue
		}
		if _, err := s.DB.Exec(col.ddl); err != nil {
			return fmt.Errorf("adding %s column: %w", col.name, err)
		}
	}

	return nil
}

// GetStatusCounts returns task and run counts grouped by status
func (s *Store) GetStatusCounts(ctx context.Context) (*StatusCounts, error) {
	counts := &StatusCounts{
		Tasks: make(map[types.TaskStatus]int),
		Runs:  make(map[types.RunStatus]int),
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		counts.Tasks[types.TaskStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}

	rows, err = s.conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning run count: %w", err)
		}
		counts.Runs[types.RunStatus(status)] = n
	}

	return counts, rows.Err()
}

// generateID generates a unique ID with the given prefix
func generateID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// isUniqueViolation reports whether err is a SQLite unique constraint
// failure. Both drivers report the same message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// notFound maps sql.ErrNoRows to types.ErrNotFound with context
func notFound(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, types.ErrNotFound)
	}
	return fmt.Errorf("getting %s %s: %w", what, id, err)
}

func nowUnix() int64 {
	return time.Now().Unix()
}

func nullableInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
