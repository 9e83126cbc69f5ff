package conductor

import (
	"errors"
	"fmt"
	"strings"
)

// InvalidPlanError is returned when Stage 1 produces a structurally broken
// plan: a dependency cycle, a dependency on an unknown task, or no tasks at
// all. It is fatal to the run; no tool is ever invoked for an invalid plan.
type InvalidPlanError struct {
	// Reason is one of "cycle", "dangling dependency", "empty plan".
	Reason string
	// Cycle holds the offending task IDs when Reason is "cycle",
	// starting and ending at the same task.
	Cycle []string
	// TaskID and DependencyID identify a dangling reference.
	TaskID       string
	DependencyID string
}

func (e *InvalidPlanError) Error() string {
	switch e.Reason {
	case "cycle":
		return "invalid plan: cycle " + strings.Join(e.Cycle, " -> ")
	case "dangling dependency":
		return fmt.Sprintf("invalid plan: task %s depends on unknown task %s", e.TaskID, e.DependencyID)
	default:
		return "invalid plan: " + e.Reason
	}
}

// ToolError wraps a failure from a tool or agent implementation. The failure
// is contained to the task that invoked the tool; dependents are skipped.
type ToolError struct {
	ToolID string
	Err    error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.ToolID, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// UnauthorizedToolError is returned when a tool is invoked on behalf of an
// agent whose allow-list does not include it.
type UnauthorizedToolError struct {
	ToolID  string
	AgentID string
}

func (e *UnauthorizedToolError) Error() string {
	return fmt.Sprintf("tool %s is not in agent %s allow-list", e.ToolID, e.AgentID)
}

// UnknownToolError is returned for a tool ID absent from the registry.
type UnknownToolError struct {
	ToolID string
}

func (e *UnknownToolError) Error() string { return "unknown tool: " + e.ToolID }

// SchemaViolationError reports an extracted parameter that does not conform
// to the selected tool's input schema. Stage 2 treats it as non-fatal: the
// subtask is carried with best-effort parameters and a NeedsReview flag.
type SchemaViolationError struct {
	ToolID string
	Field  string
	Want   FieldType
	Got    any
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("tool %s: field %s: want %s, got %T", e.ToolID, e.Field, e.Want, e.Got)
}

// PlannerUnavailableError signals that the Planner collaborator could not be
// reached. Stage 1 falls back to a deterministic single-task plan and the
// Runner falls back to a templated answer.
type PlannerUnavailableError struct {
	Provider string
	Err      error
}

func (e *PlannerUnavailableError) Error() string {
	return fmt.Sprintf("planner unavailable (%s): %v", e.Provider, e.Err)
}
func (e *PlannerUnavailableError) Unwrap() error { return e.Err }

// PublishError wraps a filesystem-level failure while publishing an artifact.
// The owning task is marked failed with the publish error as cause.
type PublishError struct {
	AgentID string
	Err     error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish for %s: %v", e.AgentID, e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// StoreError wraps an unexpected TaskStore failure. Unlike task-level errors
// it aborts the whole run.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("task store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// ErrAlreadyStarted is returned by TaskStore.StartTask when a
// (run_id, task_id) row already exists. No task is ever re-started
// within a run.
var ErrAlreadyStarted = errors.New("task already started")

// Failure causes recorded on worker_runs rows by the executor.
const (
	CauseTimeout        = "timeout"
	CauseCancelled      = "cancelled"
	CauseDependencyWait = "dependency wait timeout"
	causeUpstreamPrefix = "upstream failure: "
)

// UpstreamFailureCause builds the cause string recorded on tasks skipped
// because a transitive dependency failed.
func UpstreamFailureCause(taskID string) string { return causeUpstreamPrefix + taskID }

// IsUpstreamFailure reports whether a recorded cause marks an upstream skip.
func IsUpstreamFailure(cause string) bool { return strings.HasPrefix(cause, causeUpstreamPrefix) }
