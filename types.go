package conductor

import (
	"context"
	"encoding/json"
	"time"
)

// --- Agent and tool descriptors ---

// AgentSpec describes a registered worker capability. Specs are loaded into
// the Registry at engine start and are read-only afterwards.
type AgentSpec struct {
	// ID is the agent identifier, e.g. "market_data_agent".
	ID string
	// Description is shown to the Planner collaborator during decomposition.
	Description string
	// Keywords are hints matched against task descriptions when the
	// Planner does not suggest an agent. Multi-word hints match as phrases.
	Keywords []string
	// InputFields lists the agent-level input parameters in order.
	InputFields []string
	// Tools is the allow-list of tool IDs this agent may invoke.
	Tools []string
	// Extractor names the parameter extractor used by Stage 2 for this
	// agent: "sql", "search", or "" for the generic extractor.
	Extractor string
}

// FieldType is the simple type system of tool input schemas.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldList    FieldType = "list"
	FieldMap     FieldType = "map"
)

// SideEffect classifies what a tool touches outside the process.
type SideEffect int

const (
	EffectPure SideEffect = iota
	EffectReadsExternal
	EffectWritesExternal
)

// ToolField is one named input of a tool schema.
type ToolField struct {
	Name     string
	Type     FieldType
	Required bool
}

// ToolSpec describes a callable tool. Created once per agent at registration.
type ToolSpec struct {
	ID          string
	AgentID     string
	Description string
	Fields      []ToolField
	Effect      SideEffect
}

// Field returns the schema field with the given name, if any.
func (t ToolSpec) Field(name string) (ToolField, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return ToolField{}, false
}

// --- Subtasks and plans ---

// Subtask is one unit of work in a plan. Stage 1 fixes ID, description,
// agent binding and dependencies; Stage 2 fills ToolID and Params. After
// execution begins subtasks are shared read-only.
type Subtask struct {
	ID           string
	Description  string
	AgentID      string // "" when unmappable
	Dependencies []string
	ToolID       string // "" until Stage 2; may stay "" for a single default tool
	Params       map[string]any
	Mappable     bool
	// NeedsReview marks best-effort parameters that failed schema
	// validation in Stage 2. The executor still attempts the task.
	NeedsReview bool

	// suggestedAgent carries the Planner's agent hint between
	// normalization and mapping.
	suggestedAgent string
}

// Plan is the Stage 1 output: a validated, agent-mapped DAG.
type Plan struct {
	RunID    string
	Query    string
	Subtasks []*Subtask
	// ParallelGroups are topological layers; tasks within one layer may
	// execute concurrently. Ordering within a layer follows Stage 1
	// ordinals so runs are reproducible.
	ParallelGroups [][]string
	// Paths are the leaf-to-root dependency paths, each the context
	// isolation unit for one Stage 2 instance. Paths may overlap.
	Paths [][]string
	// TaskPaths maps every task to its canonical root-to-task path;
	// fan-in tasks get all predecessors merged in topological order.
	TaskPaths map[string][]string
	MaxDepth  int
}

// Task returns the subtask with the given ID, or nil.
func (p *Plan) Task(id string) *Subtask {
	for _, t := range p.Subtasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// UnmappableCount returns the number of tasks no agent could be bound to.
func (p *Plan) UnmappableCount() int {
	n := 0
	for _, t := range p.Subtasks {
		if !t.Mappable {
			n++
		}
	}
	return n
}

// PathPlan is the Stage 2 output for one dependency path.
type PathPlan struct {
	PathID string
	Path   []string
	// Tasks are the mappable subtasks on this path after enrichment,
	// in path order.
	Tasks []*Subtask
	// Agents and Tools record what this path loaded, for persistence.
	Agents []string
	Tools  []string
}

// --- Execution plan (Coder output) ---

// ExecutionPlan is a pure data structure the executor interprets: the
// path's tasks in topological order, each paired with the waits and store
// calls that must bracket its invocation. It contains no source code.
type ExecutionPlan struct {
	RunID  string          `json:"run_id"`
	PathID string          `json:"path_id"`
	Steps  []ExecutionStep `json:"steps"`
}

// ExecutionStep is one task invocation within an execution plan.
type ExecutionStep struct {
	TaskID  string         `json:"task_id"`
	AgentID string         `json:"agent"`
	ToolID  string         `json:"tool,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	// WaitFor lists predecessors whose outputs must be visible in the
	// TaskStore before this step starts. Predecessors that appear
	// earlier in the same path are omitted.
	WaitFor []string `json:"wait_for,omitempty"`
	// Dependencies is the full predecessor set, used for upstream
	// failure propagation.
	Dependencies []string `json:"dependencies,omitempty"`
	NeedsReview  bool     `json:"needs_review,omitempty"`
}

// --- Worker contract ---

// Invocation carries one task invocation to a Worker.
type Invocation struct {
	RunID     string
	TaskID    string
	ToolID    string
	Query     string
	SessionID string
	Params    map[string]any
}

// Worker is the invocation contract for agents. Implementations must return
// an Output shaped like the canonical artifact payload, honor context
// cancellation within a bounded grace period, and never touch the TaskStore
// or ArtifactBus directly.
type Worker interface {
	// ID returns the agent identifier this worker serves.
	ID() string
	// Invoke executes one tool call and returns its output.
	Invoke(ctx context.Context, inv Invocation) (Output, error)
}

// Output is the canonical payload shape `{data, metadata}` returned by
// workers and published to the ArtifactBus.
type Output struct {
	Data     []any          `json:"data"`
	Metadata OutputMetadata `json:"metadata"`
}

// OutputMetadata describes a published payload. RowCount must equal
// len(Data); the bus rejects payloads where it does not.
type OutputMetadata struct {
	Query     string `json:"query"`
	Timestamp string `json:"timestamp"`
	RowCount  int    `json:"row_count"`
	Agent     string `json:"agent"`
	Version   string `json:"version"`
}

// --- Planner collaborator ---

// RawTask is one decomposition item returned by a Planner.
type RawTask struct {
	Description    string
	SuggestedAgent string
	// SuggestedDeps reference other raw tasks by ordinal ("t2", "task_2"
	// or "2" are all accepted and normalized by Stage 1).
	SuggestedDeps []string
}

// Planner is the LLM collaborator consumed by Stage 1 and the Runner's
// validation step. Implementations that cannot reach their backend must
// return a *PlannerUnavailableError so the engine can fall back.
type Planner interface {
	// Decompose turns a query into an ordered list of raw tasks.
	Decompose(ctx context.Context, query string, agents []AgentSpec, maxSubtasks int) ([]RawTask, error)
	// Validate judges a consolidated answer against the recorded outputs.
	Validate(ctx context.Context, query, answer string, outputs []OutputRecord) (Validation, error)
}

// AnswerComposer optionally produces the natural-language answer from the
// consolidated data. When absent the Runner synthesizes a templated answer.
type AnswerComposer interface {
	Compose(ctx context.Context, query string, data map[string][]json.RawMessage, stats map[string]AgentStats) (string, error)
}

// Validation is the validator verdict attached to a RunResult.
type Validation struct {
	Valid             bool     `json:"valid"`
	CompletenessScore float64  `json:"completeness_score"`
	Issues            []string `json:"issues,omitempty"`
	Suggestions       []string `json:"suggestions,omitempty"`
}

// --- Run result ---

// AgentStats summarizes one agent's merged outputs.
type AgentStats struct {
	Rows int `json:"rows"`
	// Fields holds min/max/avg per numeric field found in the rows.
	Fields map[string]FieldStats `json:"fields,omitempty"`
	// AvgProbability and TotalVolume are filled when rows carry
	// prediction-market probability/volume fields.
	AvgProbability *float64 `json:"avg_probability,omitempty"`
	TotalVolume    float64  `json:"total_volume,omitempty"`
}

// FieldStats are aggregates over one numeric field.
type FieldStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// RunMetadata is the execution accounting attached to a RunResult.
type RunMetadata struct {
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
	TotalTasks int       `json:"total_tasks"`
	// SuccessfulTasks + FailedTasks + UnmappableTasks == TotalTasks.
	// SkippedUpstream counts the subset of FailedTasks recorded with an
	// upstream-failure cause rather than a failure of their own.
	SuccessfulTasks int      `json:"successful_tasks"`
	FailedTasks     int      `json:"failed_tasks"`
	UnmappableTasks int      `json:"unmappable_tasks"`
	SkippedUpstream int      `json:"skipped_upstream"`
	AgentsUsed      []string `json:"agents_used"`
	Paths           int      `json:"num_paths"`
	// ScriptRefs point at the persisted execution-plan artifacts.
	ScriptRefs []string `json:"script_refs,omitempty"`
}

// RunResult is what the caller receives from Engine.Run.
type RunResult struct {
	RunID       string                         `json:"run_id"`
	Query       string                         `json:"query"`
	Answer      string                         `json:"answer"`
	DataByAgent map[string][]json.RawMessage   `json:"data_by_agent"`
	Stats       map[string]AgentStats          `json:"summary_stats"`
	Validation  *Validation                    `json:"validation,omitempty"`
	Metadata    RunMetadata                    `json:"metadata"`
	// PlanningTable is the persisted Planner 1 + Planner 2 view of the run.
	PlanningTable []PlanRow `json:"planning_table,omitempty"`
}
