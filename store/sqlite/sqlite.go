// Package sqlite implements conductor.TaskStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/conductor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements conductor.TaskStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conductor.TaskStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS worker_runs (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration_ms REAL,
			error TEXT,
			artifact_ref TEXT,
			PRIMARY KEY (run_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_outputs (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			output TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_plan (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent TEXT,
			agent_description TEXT,
			dependency_path TEXT,
			tools TEXT,
			tool_params TEXT,
			PRIMARY KEY (run_id, task_id)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_worker_runs_run ON worker_runs(run_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_task_outputs_run ON task_outputs(run_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// StartTask inserts the running row for a task. A second start of the same
// (run, task) pair returns conductor.ErrAlreadyStarted.
func (s *Store) StartTask(ctx context.Context, runID, taskID, agentID string, startedAt time.Time) error {
	start := time.Now()
	s.logger.Debug("sqlite: start task", "run_id", runID, "task_id", taskID, "agent", agentID)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO worker_runs (run_id, task_id, agent, status, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		runID, taskID, agentID, string(conductor.StatusRunning), startedAt.UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: start task failed", "run_id", runID, "task_id", taskID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("start task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return conductor.ErrAlreadyStarted
	}
	s.logger.Debug("sqlite: start task ok", "run_id", runID, "task_id", taskID, "duration", time.Since(start))
	return nil
}

// CompleteTask transitions a running row to success.
func (s *Store) CompleteTask(ctx context.Context, runID, taskID string, durationMS float64, artifactRef string) error {
	start := time.Now()
	s.logger.Debug("sqlite: complete task", "run_id", runID, "task_id", taskID)

	_, err := s.db.ExecContext(ctx,
		`UPDATE worker_runs SET status=?, completed_at=?, duration_ms=?, artifact_ref=?
		 WHERE run_id=? AND task_id=?`,
		string(conductor.StatusSuccess), time.Now().UnixMilli(), durationMS, artifactRef, runID, taskID,
	)
	if err != nil {
		s.logger.Error("sqlite: complete task failed", "run_id", runID, "task_id", taskID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("complete task: %w", err)
	}
	s.logger.Debug("sqlite: complete task ok", "run_id", runID, "task_id", taskID, "duration", time.Since(start))
	return nil
}

// FailTask records a failure, inserting the row when the task never started.
// Upstream skips and cancellations land here without a running phase.
func (s *Store) FailTask(ctx context.Context, runID, taskID, agentID string, durationMS float64, cause string) error {
	start := time.Now()
	s.logger.Debug("sqlite: fail task", "run_id", runID, "task_id", taskID, "cause", cause)

	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_runs (run_id, task_id, agent, status, started_at, completed_at, duration_ms, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, task_id) DO UPDATE SET
			status=excluded.status,
			completed_at=excluded.completed_at,
			duration_ms=excluded.duration_ms,
			error=excluded.error`,
		runID, taskID, agentID, string(conductor.StatusFailed), now, now, durationMS, cause,
	)
	if err != nil {
		s.logger.Error("sqlite: fail task failed", "run_id", runID, "task_id", taskID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("fail task: %w", err)
	}
	s.logger.Debug("sqlite: fail task ok", "run_id", runID, "task_id", taskID, "duration", time.Since(start))
	return nil
}

// StoreOutput inserts the single output row of a successful task.
func (s *Store) StoreOutput(ctx context.Context, runID, taskID, agentID string, output, metadata json.RawMessage) error {
	start := time.Now()
	s.logger.Debug("sqlite: store output", "run_id", runID, "task_id", taskID, "bytes", len(output))

	var metaStr *string
	if len(metadata) > 0 {
		v := string(metadata)
		metaStr = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_outputs (run_id, task_id, agent, output, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, taskID, agentID, string(output), metaStr, time.Now().UnixMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: store output failed", "run_id", runID, "task_id", taskID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store output: %w", err)
	}
	s.logger.Debug("sqlite: store output ok", "run_id", runID, "task_id", taskID, "duration", time.Since(start))
	return nil
}

// GetOutput returns the stored output JSON for a task, or nil when absent.
func (s *Store) GetOutput(ctx context.Context, runID, taskID string) (json.RawMessage, error) {
	var out string
	err := s.db.QueryRowContext(ctx,
		`SELECT output FROM task_outputs WHERE run_id=? AND task_id=?`, runID, taskID,
	).Scan(&out)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	return json.RawMessage(out), nil
}

// GetAllOutputs returns every output row of a run in insertion order.
func (s *Store) GetAllOutputs(ctx context.Context, runID string) ([]conductor.OutputRecord, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get all outputs", "run_id", runID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, agent, output, metadata, created_at
		 FROM task_outputs WHERE run_id=? ORDER BY rowid`, runID)
	if err != nil {
		s.logger.Error("sqlite: get all outputs failed", "run_id", runID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("get all outputs: %w", err)
	}
	defer rows.Close()

	var records []conductor.OutputRecord
	for rows.Next() {
		var rec conductor.OutputRecord
		var output string
		var meta sql.NullString
		var created int64
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.AgentID, &output, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		rec.Output = json.RawMessage(output)
		if meta.Valid {
			rec.Metadata = json.RawMessage(meta.String)
		}
		rec.CreatedAt = time.UnixMilli(created)
		records = append(records, rec)
	}
	s.logger.Debug("sqlite: get all outputs ok", "run_id", runID, "count", len(records), "duration", time.Since(start))
	return records, rows.Err()
}

// AreDependenciesComplete reports whether every listed task has a success row.
func (s *Store) AreDependenciesComplete(ctx context.Context, runID string, deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	placeholders := make([]string, len(deps))
	args := make([]any, 0, len(deps)+2)
	args = append(args, runID)
	for i, d := range deps {
		placeholders[i] = "?"
		args = append(args, d)
	}
	args = append(args, string(conductor.StatusSuccess))

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worker_runs WHERE run_id=? AND task_id IN (`+strings.Join(placeholders, ",")+`) AND status=?`,
		args...,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check dependencies: %w", err)
	}
	return n == len(deps), nil
}

// TaskStatuses returns the status of every recorded task in a run.
func (s *Store) TaskStatuses(ctx context.Context, runID string) (map[string]conductor.TaskStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, status FROM worker_runs WHERE run_id=?`, runID)
	if err != nil {
		return nil, fmt.Errorf("task statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]conductor.TaskStatus)
	for rows.Next() {
		var taskID, status string
		if err := rows.Scan(&taskID, &status); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses[taskID] = conductor.TaskStatus(status)
	}
	return statuses, rows.Err()
}

// FailedTasks returns the failed rows of a run.
func (s *Store) FailedTasks(ctx context.Context, runID string) ([]conductor.TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, agent, status, started_at, completed_at, duration_ms, error, artifact_ref
		 FROM worker_runs WHERE run_id=? AND status=? ORDER BY rowid`,
		runID, string(conductor.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed tasks: %w", err)
	}
	defer rows.Close()
	return scanTaskRecords(rows)
}

// RunSummary aggregates counts and durations for a run.
func (s *Store) RunSummary(ctx context.Context, runID string) (conductor.RunSummary, error) {
	start := time.Now()
	s.logger.Debug("sqlite: run summary", "run_id", runID)

	summary := conductor.RunSummary{RunID: runID}
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, status, COALESCE(duration_ms, 0) FROM worker_runs WHERE run_id=?`, runID)
	if err != nil {
		return summary, fmt.Errorf("run summary: %w", err)
	}
	defer rows.Close()

	agents := make(map[string]bool)
	for rows.Next() {
		var agent, status string
		var durationMS float64
		if err := rows.Scan(&agent, &status, &durationMS); err != nil {
			return summary, fmt.Errorf("scan summary: %w", err)
		}
		summary.Total++
		summary.TotalDurationMS += durationMS
		switch conductor.TaskStatus(status) {
		case conductor.StatusSuccess:
			summary.Success++
			agents[agent] = true
		case conductor.StatusFailed:
			summary.Failed++
		case conductor.StatusRunning:
			summary.Running++
		}
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("iterate summary: %w", err)
	}
	if summary.Total > 0 {
		summary.AvgDurationMS = summary.TotalDurationMS / float64(summary.Total)
	}
	for a := range agents {
		summary.AgentsUsed = append(summary.AgentsUsed, a)
	}
	sort.Strings(summary.AgentsUsed)
	s.logger.Debug("sqlite: run summary ok", "run_id", runID, "total", summary.Total, "duration", time.Since(start))
	return summary, nil
}

// InsertPlanRow records the Planner 1 view of a task.
func (s *Store) InsertPlanRow(ctx context.Context, row conductor.PlanRow) error {
	pathJSON, _ := json.Marshal(row.DependencyPath)
	var toolsJSON, paramsJSON *string
	if len(row.Tools) > 0 {
		data, _ := json.Marshal(row.Tools)
		v := string(data)
		toolsJSON = &v
	}
	if len(row.ToolParams) > 0 {
		data, _ := json.Marshal(row.ToolParams)
		v := string(data)
		paramsJSON = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_plan (run_id, task_id, agent, agent_description, dependency_path, tools, tool_params)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.RunID, row.TaskID, row.AgentID, row.AgentDescription, string(pathJSON), toolsJSON, paramsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert plan row: %w", err)
	}
	return nil
}

// UpdatePlanTools enriches a planning row with Planner 2 output.
func (s *Store) UpdatePlanTools(ctx context.Context, runID, taskID string, tools []string, toolParams map[string]any) error {
	toolsJSON, _ := json.Marshal(tools)
	paramsJSON, _ := json.Marshal(toolParams)
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_plan SET tools=?, tool_params=? WHERE run_id=? AND task_id=?`,
		string(toolsJSON), string(paramsJSON), runID, taskID,
	)
	if err != nil {
		return fmt.Errorf("update plan tools: %w", err)
	}
	return nil
}

// GetTaskPlan returns the planning table of a run in insertion order.
func (s *Store) GetTaskPlan(ctx context.Context, runID string) ([]conductor.PlanRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, agent, agent_description, dependency_path, tools, tool_params
		 FROM task_plan WHERE run_id=? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("get task plan: %w", err)
	}
	defer rows.Close()

	var plan []conductor.PlanRow
	for rows.Next() {
		var row conductor.PlanRow
		var agent, agentDesc, path, tools, params sql.NullString
		if err := rows.Scan(&row.RunID, &row.TaskID, &agent, &agentDesc, &path, &tools, &params); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		if agent.Valid {
			row.AgentID = agent.String
		}
		if agentDesc.Valid {
			row.AgentDescription = agentDesc.String
		}
		if path.Valid {
			_ = json.Unmarshal([]byte(path.String), &row.DependencyPath)
		}
		if tools.Valid {
			_ = json.Unmarshal([]byte(tools.String), &row.Tools)
		}
		if params.Valid {
			_ = json.Unmarshal([]byte(params.String), &row.ToolParams)
		}
		plan = append(plan, row)
	}
	return plan, rows.Err()
}

// DB returns the underlying *sql.DB so the host application can share the
// connection with agent-local tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func scanTaskRecords(rows *sql.Rows) ([]conductor.TaskRecord, error) {
	var records []conductor.TaskRecord
	for rows.Next() {
		var rec conductor.TaskRecord
		var status string
		var started int64
		var completed sql.NullInt64
		var durationMS sql.NullFloat64
		var errStr, ref sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.AgentID, &status, &started, &completed, &durationMS, &errStr, &ref); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		rec.Status = conductor.TaskStatus(status)
		rec.StartedAt = time.UnixMilli(started)
		if completed.Valid {
			rec.CompletedAt = time.UnixMilli(completed.Int64)
		}
		if durationMS.Valid {
			rec.DurationMS = durationMS.Float64
		}
		if errStr.Valid {
			rec.Error = errStr.String
		}
		if ref.Valid {
			rec.ArtifactRef = ref.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
