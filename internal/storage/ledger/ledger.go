// Package ledger records task attempts and tool invocations in a SQL
// database. The ledger is an audit trail: writes that fail are logged
// and dropped, they never fail the execution that produced them.
package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
	v1 "github.com/loomhq/loom/pkg/api/v1"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_runs (
	project_id  TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	agent       TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	error       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project_id, task_id, attempt)
);

CREATE TABLE IF NOT EXISTS tool_invocations (
	project_id   TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	tool         TEXT NOT NULL,
	duration_ms  INTEGER NOT NULL,
	is_error     BOOLEAN NOT NULL,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_runs_project ON task_runs(project_id);
CREATE INDEX IF NOT EXISTS idx_tool_invocations_project ON tool_invocations(project_id);
`

// Store persists run records through sqlx. Safe for concurrent use.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open connects to the configured database and ensures the schema
// exists. With the sqlite3 driver and an empty DSN the database lives
// at <dataDir>/loom.db.
func Open(cfg *config.Config, log *logger.Logger) (*Store, error) {
	driver := cfg.Ledger.Driver
	dsn := cfg.Ledger.DSN
	if driver == "sqlite3" && dsn == "" {
		dsn = filepath.Join(cfg.Storage.DataDir, "loom.db")
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect ledger database: %w", err)
	}
	if driver == "sqlite3" {
		// sqlite tolerates exactly one writer.
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:     db,
		logger: log.WithFields(zap.String("component", "ledger"), zap.String("driver", driver)),
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.logger.Info("Ledger opened", zap.String("dsn", dsn))
	return s, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sqlx.DB, log *logger.Logger) (*Store, error) {
	s := &Store{db: db, logger: log.WithFields(zap.String("component", "ledger"))}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordRunStart inserts a task attempt in the running state.
func (s *Store) RecordRunStart(ctx context.Context, run v1.TaskRun) error {
	query := s.db.Rebind(`
		INSERT INTO task_runs (project_id, task_id, attempt, agent, status, started_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		run.ProjectID, run.TaskID, run.Attempt, run.Agent, string(run.Status), run.StartedAt, run.Error)
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordRunFinish closes a task attempt with its final status.
func (s *Store) RecordRunFinish(ctx context.Context, projectID, taskID string, attempt int, status v1.TaskStatus, finishedAt time.Time, errText string) error {
	query := s.db.Rebind(`
		UPDATE task_runs SET status = ?, finished_at = ?, error = ?
		WHERE project_id = ? AND task_id = ? AND attempt = ?`)
	_, err := s.db.ExecContext(ctx, query,
		string(status), finishedAt, errText, projectID, taskID, attempt)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// RecordToolInvocation appends one tool call record.
func (s *Store) RecordToolInvocation(ctx context.Context, inv v1.ToolInvocation) error {
	query := s.db.Rebind(`
		INSERT INTO tool_invocations (project_id, task_id, tool_call_id, tool, duration_ms, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		inv.ProjectID, inv.TaskID, inv.ToolCallID, inv.Tool, inv.DurationMS, inv.IsError, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("record tool invocation: %w", err)
	}
	return nil
}

type taskRunRow struct {
	ProjectID  string     `db:"project_id"`
	TaskID     string     `db:"task_id"`
	Attempt    int        `db:"attempt"`
	Agent      string     `db:"agent"`
	Status     string     `db:"status"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
	Error      string     `db:"error"`
}

type toolInvocationRow struct {
	ProjectID  string    `db:"project_id"`
	TaskID     string    `db:"task_id"`
	ToolCallID string    `db:"tool_call_id"`
	Tool       string    `db:"tool"`
	DurationMS int64     `db:"duration_ms"`
	IsError    bool      `db:"is_error"`
	CreatedAt  time.Time `db:"created_at"`
}

// ListRuns returns every attempt recorded for the project, oldest
// first, attempts in order within a task.
func (s *Store) ListRuns(ctx context.Context, projectID string) ([]v1.TaskRun, error) {
	query := s.db.Rebind(`
		SELECT project_id, task_id, attempt, agent, status, started_at, finished_at, error
		FROM task_runs WHERE project_id = ?
		ORDER BY started_at, task_id, attempt`)
	var rows []taskRunRow
	if err := s.db.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	runs := make([]v1.TaskRun, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, v1.TaskRun{
			ProjectID:  r.ProjectID,
			TaskID:     r.TaskID,
			Attempt:    r.Attempt,
			Agent:      r.Agent,
			Status:     v1.TaskStatus(r.Status),
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Error:      r.Error,
		})
	}
	return runs, nil
}

// ListToolInvocations returns the project's tool call records, oldest
// first.
func (s *Store) ListToolInvocations(ctx context.Context, projectID string) ([]v1.ToolInvocation, error) {
	query := s.db.Rebind(`
		SELECT project_id, task_id, tool_call_id, tool, duration_ms, is_error, created_at
		FROM tool_invocations WHERE project_id = ?
		ORDER BY created_at, tool_call_id`)
	var rows []toolInvocationRow
	if err := s.db.SelectContext(ctx, &rows, query, projectID); err != nil {
		return nil, fmt.Errorf("list tool invocations: %w", err)
	}
	invs := make([]v1.ToolInvocation, 0, len(rows))
	for _, r := range rows {
		invs = append(invs, v1.ToolInvocation{
			ProjectID:  r.ProjectID,
			TaskID:     r.TaskID,
			ToolCallID: r.ToolCallID,
			Tool:       r.Tool,
			DurationMS: r.DurationMS,
			IsError:    r.IsError,
			CreatedAt:  r.CreatedAt,
		})
	}
	return invs, nil
}

// Recorder is the write-side surface the execution engine depends on.
type Recorder interface {
	RecordRunStart(ctx context.Context, run v1.TaskRun) error
	RecordRunFinish(ctx context.Context, projectID, taskID string, attempt int, status v1.TaskStatus, finishedAt time.Time, errText string) error
	RecordToolInvocation(ctx context.Context, inv v1.ToolInvocation) error
}
