// Package postgres implements conductor.TaskStore on PostgreSQL via pgx.
// It serves multi-process deployments where several engines share one
// database; for single-process use the sqlite store is simpler.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/conductor"
)

// StoreOption configures a postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. If not set, no logs
// are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements conductor.TaskStore backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ conductor.TaskStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New connects to the database at connString and returns the store.
func New(ctx context.Context, connString string, opts ...StoreOption) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("postgres: store opened")
	return s, nil
}

// NewWithPool wraps an existing pool, for hosts that manage connections
// themselves.
func NewWithPool(pool *pgxpool.Pool, opts ...StoreOption) (*Store, error) {
	if pool == nil {
		return nil, errors.New("postgres: store requires pool")
	}
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates all required tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS worker_runs (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at BIGINT NOT NULL,
			completed_at BIGINT,
			duration_ms DOUBLE PRECISION,
			error TEXT,
			artifact_ref TEXT,
			seq BIGSERIAL,
			PRIMARY KEY (run_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_outputs (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			output JSONB NOT NULL,
			metadata JSONB,
			created_at BIGINT NOT NULL,
			seq BIGSERIAL,
			PRIMARY KEY (run_id, task_id)
		)`,
		`CREATE TABLE IF NOT EXISTS task_plan (
			run_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent TEXT,
			agent_description TEXT,
			dependency_path JSONB,
			tools JSONB,
			tool_params JSONB,
			seq BIGSERIAL,
			PRIMARY KEY (run_id, task_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_runs_run ON worker_runs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_outputs_run ON task_outputs(run_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// StartTask inserts the running row for a task. A second start of the same
// (run, task) pair returns conductor.ErrAlreadyStarted.
func (s *Store) StartTask(ctx context.Context, runID, taskID, agentID string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO worker_runs (run_id, task_id, agent, status, started_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id, task_id) DO NOTHING`,
		runID, taskID, agentID, string(conductor.StatusRunning), startedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conductor.ErrAlreadyStarted
	}
	s.logger.Debug("postgres: start task ok", "run_id", runID, "task_id", taskID)
	return nil
}

// CompleteTask transitions a running row to success.
func (s *Store) CompleteTask(ctx context.Context, runID, taskID string, durationMS float64, artifactRef string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE worker_runs SET status=$1, completed_at=$2, duration_ms=$3, artifact_ref=$4
		 WHERE run_id=$5 AND task_id=$6`,
		string(conductor.StatusSuccess), time.Now().UnixMilli(), durationMS, artifactRef, runID, taskID,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// FailTask records a failure, inserting the row when the task never started.
func (s *Store) FailTask(ctx context.Context, runID, taskID, agentID string, durationMS float64, cause string) error {
	now := time.Now().UnixMilli()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO worker_runs (run_id, task_id, agent, status, started_at, completed_at, duration_ms, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, task_id) DO UPDATE SET
			status=EXCLUDED.status,
			completed_at=EXCLUDED.completed_at,
			duration_ms=EXCLUDED.duration_ms,
			error=EXCLUDED.error`,
		runID, taskID, agentID, string(conductor.StatusFailed), now, now, durationMS, cause,
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// StoreOutput inserts the single output row of a successful task.
func (s *Store) StoreOutput(ctx context.Context, runID, taskID, agentID string, output, metadata json.RawMessage) error {
	var meta any
	if len(metadata) > 0 {
		meta = metadata
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_outputs (run_id, task_id, agent, output, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, task_id) DO UPDATE SET
			output=EXCLUDED.output, metadata=EXCLUDED.metadata, created_at=EXCLUDED.created_at`,
		runID, taskID, agentID, output, meta, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store output: %w", err)
	}
	return nil
}

// GetOutput returns the stored output JSON for a task, or nil when absent.
func (s *Store) GetOutput(ctx context.Context, runID, taskID string) (json.RawMessage, error) {
	var out []byte
	err := s.pool.QueryRow(ctx,
		`SELECT output FROM task_outputs WHERE run_id=$1 AND task_id=$2`, runID, taskID,
	).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	return json.RawMessage(out), nil
}

// GetAllOutputs returns every output row of a run in insertion order.
func (s *Store) GetAllOutputs(ctx context.Context, runID string) ([]conductor.OutputRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, task_id, agent, output, metadata, created_at
		 FROM task_outputs WHERE run_id=$1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("get all outputs: %w", err)
	}
	defer rows.Close()

	var records []conductor.OutputRecord
	for rows.Next() {
		var rec conductor.OutputRecord
		var output, meta []byte
		var created int64
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.AgentID, &output, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		rec.Output = json.RawMessage(output)
		if len(meta) > 0 {
			rec.Metadata = json.RawMessage(meta)
		}
		rec.CreatedAt = time.UnixMilli(created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AreDependenciesComplete reports whether every listed task has a success row.
func (s *Store) AreDependenciesComplete(ctx context.Context, runID string, deps []string) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM worker_runs WHERE run_id=$1 AND task_id = ANY($2) AND status=$3`,
		runID, deps, string(conductor.StatusSuccess),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check dependencies: %w", err)
	}
	return n == len(deps), nil
}

// TaskStatuses returns the status of every recorded task in a run.
func (s *Store) TaskStatuses(ctx context.Context, runID string) (map[string]conductor.TaskStatus, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT task_id, status FROM worker_runs WHERE run_id=$1`, runID)
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
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, task_id, agent, status, started_at, completed_at, duration_ms, error, artifact_ref
		 FROM worker_runs WHERE run_id=$1 AND status=$2 ORDER BY seq`,
		runID, string(conductor.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed tasks: %w", err)
	}
	defer rows.Close()

	var records []conductor.TaskRecord
	for rows.Next() {
		var rec conductor.TaskRecord
		var status string
		var started int64
		var completed *int64
		var durationMS *float64
		var errStr, ref *string
		if err := rows.Scan(&rec.RunID, &rec.TaskID, &rec.AgentID, &status, &started, &completed, &durationMS, &errStr, &ref); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		rec.Status = conductor.TaskStatus(status)
		rec.StartedAt = time.UnixMilli(started)
		if completed != nil {
			rec.CompletedAt = time.UnixMilli(*completed)
		}
		if durationMS != nil {
			rec.DurationMS = *durationMS
		}
		if errStr != nil {
			rec.Error = *errStr
		}
		if ref != nil {
			rec.ArtifactRef = *ref
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// RunSummary aggregates counts and durations for a run.
func (s *Store) RunSummary(ctx context.Context, runID string) (conductor.RunSummary, error) {
	summary := conductor.RunSummary{RunID: runID}
	rows, err := s.pool.Query(ctx,
		`SELECT agent, status, COALESCE(duration_ms, 0) FROM worker_runs WHERE run_id=$1`, runID)
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
	return summary, nil
}

// InsertPlanRow records the Planner 1 view of a task.
func (s *Store) InsertPlanRow(ctx context.Context, row conductor.PlanRow) error {
	pathJSON, _ := json.Marshal(row.DependencyPath)
	var toolsJSON, paramsJSON []byte
	if len(row.Tools) > 0 {
		toolsJSON, _ = json.Marshal(row.Tools)
	}
	if len(row.ToolParams) > 0 {
		paramsJSON, _ = json.Marshal(row.ToolParams)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_plan (run_id, task_id, agent, agent_description, dependency_path, tools, tool_params)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (run_id, task_id) DO UPDATE SET
			agent=EXCLUDED.agent,
			agent_description=EXCLUDED.agent_description,
			dependency_path=EXCLUDED.dependency_path,
			tools=EXCLUDED.tools,
			tool_params=EXCLUDED.tool_params`,
		row.RunID, row.TaskID, nullable(row.AgentID), nullable(row.AgentDescription),
		pathJSON, nilIfEmpty(toolsJSON), nilIfEmpty(paramsJSON),
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
	_, err := s.pool.Exec(ctx,
		`UPDATE task_plan SET tools=$1, tool_params=$2 WHERE run_id=$3 AND task_id=$4`,
		toolsJSON, paramsJSON, runID, taskID,
	)
	if err != nil {
		return fmt.Errorf("update plan tools: %w", err)
	}
	return nil
}

// GetTaskPlan returns the planning table of a run in insertion order.
func (s *Store) GetTaskPlan(ctx context.Context, runID string) ([]conductor.PlanRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, task_id, agent, agent_description, dependency_path, tools, tool_params
		 FROM task_plan WHERE run_id=$1 ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("get task plan: %w", err)
	}
	defer rows.Close()

	var plan []conductor.PlanRow
	for rows.Next() {
		var row conductor.PlanRow
		var agent, agentDesc *string
		var path, tools, params []byte
		if err := rows.Scan(&row.RunID, &row.TaskID, &agent, &agentDesc, &path, &tools, &params); err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		if agent != nil {
			row.AgentID = *agent
		}
		if agentDesc != nil {
			row.AgentDescription = *agentDesc
		}
		if len(path) > 0 {
			_ = json.Unmarshal(path, &row.DependencyPath)
		}
		if len(tools) > 0 {
			_ = json.Unmarshal(tools, &row.Tools)
		}
		if len(params) > 0 {
			_ = json.Unmarshal(params, &row.ToolParams)
		}
		plan = append(plan, row)
	}
	return plan, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error {
	s.logger.Debug("postgres: closing store")
	s.pool.Close()
	return nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
