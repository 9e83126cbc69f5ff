package conductor

import (
	"context"
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a worker run row. Transitions are
// monotonic: running -> success or running -> failed.
type TaskStatus string

const (
	StatusRunning TaskStatus = "running"
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
)

// TaskRecord is one worker_runs row.
type TaskRecord struct {
	RunID       string
	TaskID      string
	AgentID     string
	Status      TaskStatus
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMS  float64
	Error       string
	// ArtifactRef is a weak reference (filesystem path) to the published
	// artifact for successful tasks.
	ArtifactRef string
}

// OutputRecord is one task_outputs row. Exactly one row exists per
// successful task.
type OutputRecord struct {
	RunID     string
	TaskID    string
	AgentID   string
	Output    json.RawMessage
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// PlanRow is one task_plan row: the Planner 1 view of a task, enriched by
// Planner 2 with tools and parameters.
type PlanRow struct {
	RunID            string         `json:"run_id"`
	TaskID           string         `json:"task_id"`
	AgentID          string         `json:"agent,omitempty"`
	AgentDescription string         `json:"agent_description,omitempty"`
	DependencyPath   []string       `json:"dependency_path"`
	Tools            []string       `json:"tools,omitempty"`
	ToolParams       map[string]any `json:"tool_params,omitempty"`
}

// RunSummary aggregates worker_runs rows for one run.
type RunSummary struct {
	RunID           string
	Total           int
	Success         int
	Failed          int
	Running         int
	AvgDurationMS   float64
	TotalDurationMS float64
	AgentsUsed      []string
}

// TaskStore is the durable record of per-task lifecycle and outputs. All
// operations are atomic; concurrent readers see a committed view. The
// sqlite and postgres subpackages implement it.
type TaskStore interface {
	// Init creates the schema. Idempotent.
	Init(ctx context.Context) error

	// StartTask inserts a running row for (runID, taskID). Returns
	// ErrAlreadyStarted when the row exists.
	StartTask(ctx context.Context, runID, taskID, agentID string, startedAt time.Time) error
	// CompleteTask transitions a row to success.
	CompleteTask(ctx context.Context, runID, taskID string, durationMS float64, artifactRef string) error
	// FailTask transitions a row to failed, inserting one if the task
	// never started (upstream skips and cancellation record failures
	// for tasks whose agent was never invoked).
	FailTask(ctx context.Context, runID, taskID, agentID string, durationMS float64, cause string) error

	// StoreOutput inserts the single output row for a successful task.
	// Must be called after CompleteTask.
	StoreOutput(ctx context.Context, runID, taskID, agentID string, output, metadata json.RawMessage) error
	// GetOutput returns the stored output JSON, or nil when absent.
	GetOutput(ctx context.Context, runID, taskID string) (json.RawMessage, error)
	// GetAllOutputs returns every output row of a run in insertion order.
	GetAllOutputs(ctx context.Context, runID string) ([]OutputRecord, error)

	// AreDependenciesComplete reports whether every listed task has
	// status success.
	AreDependenciesComplete(ctx context.Context, runID string, deps []string) (bool, error)
	// TaskStatuses returns the status of every recorded task in a run.
	TaskStatuses(ctx context.Context, runID string) (map[string]TaskStatus, error)
	// FailedTasks returns the failed rows of a run.
	FailedTasks(ctx context.Context, runID string) ([]TaskRecord, error)
	// RunSummary aggregates counts and durations for a run.
	RunSummary(ctx context.Context, runID string) (RunSummary, error)

	// InsertPlanRow records the Planner 1 view of a task.
	InsertPlanRow(ctx context.Context, row PlanRow) error
	// UpdatePlanTools enriches a planning row with Planner 2 output.
	UpdatePlanTools(ctx context.Context, runID, taskID string, tools []string, toolParams map[string]any) error
	// GetTaskPlan returns the planning table of a run.
	GetTaskPlan(ctx context.Context, runID string) ([]PlanRow, error)

	Close() error
}

// ArtifactBus is the content-addressed, append-only store of published task
// outputs. The bus subpackage implements it on the local filesystem.
type ArtifactBus interface {
	// Publish atomically writes an output payload under the agent's
	// directory with the next sequence number and returns the absolute,
	// immutable artifact path. Payloads failing schema validation are
	// rejected with a *PublishError.
	Publish(ctx context.Context, agentID string, out Output) (string, error)
	// WriteJSON atomically writes an auxiliary JSON document (run logs,
	// execution plans) under the agent's directory at relPath.
	WriteJSON(agentID, relPath string, v any) (string, error)
}
