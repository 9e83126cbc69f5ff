package conductor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// OrchestratorAgent is the bus directory the engine publishes its own run
// artifacts under: execution plans, the run log, and the final result.
const OrchestratorAgent = "orchestrator"

// Engine ties the pipeline together: Stage 1 planning, per-path Stage 2
// enrichment, execution-plan construction, dependency-aware execution, and
// consolidation. One Engine serves one registry and store; runs are
// serialized, one at a time.
type Engine struct {
	reg      *Registry
	store    TaskStore
	bus      ArtifactBus
	planner  Planner
	composer AnswerComposer
	logger   *slog.Logger
	tracer   Tracer

	maxSubtasks int
	execOpts    []ExecutorOption

	mu sync.Mutex // one run at a time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPlanner sets the LLM collaborator for decomposition and validation.
func WithPlanner(p Planner) EngineOption {
	return func(e *Engine) { e.planner = p }
}

// WithComposer sets the answer composer; absent, answers are templated.
func WithComposer(c AnswerComposer) EngineOption {
	return func(e *Engine) { e.composer = c }
}

// WithLogger sets the engine logger. The default drops everything.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer propagated to every pipeline stage.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithMaxSubtasks bounds decomposition width.
func WithMaxSubtasks(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSubtasks = n
		}
	}
}

// WithExecutor passes options through to the executor.
func WithExecutor(opts ...ExecutorOption) EngineOption {
	return func(e *Engine) { e.execOpts = append(e.execOpts, opts...) }
}

// RunOption adjusts a single Run call.
type RunOption func(*runConfig)

type runConfig struct {
	skipValidation bool
}

// SkipValidation drops the post-consolidation validation verdict for one run
// even when a Planner is configured. Decomposition still uses the Planner.
func SkipValidation() RunOption {
	return func(rc *runConfig) { rc.skipValidation = true }
}

// NewEngine creates an engine over a populated registry, a task store, and
// an artifact bus.
func NewEngine(reg *Registry, store TaskStore, bus ArtifactBus, opts ...EngineOption) *Engine {
	e := &Engine{
		reg:         reg,
		store:       store,
		bus:         bus,
		logger:      slog.New(discardHandler{}),
		maxSubtasks: DefaultMaxSubtasks,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes one query end to end and returns the consolidated result.
// The error is non-nil only for structural failures: an invalid plan, a
// store that cannot be reached, or a bus that cannot persist. Individual
// task failures are reported in the result's metadata, not as an error.
func (e *Engine) Run(ctx context.Context, query string, opts ...RunOption) (*RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var rc runConfig
	for _, o := range opts {
		o(&rc)
	}

	runID := NewRunID()
	sessionID := NewSessionID()
	started := time.Now()

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.run", StringAttr("run_id", runID))
		defer span.End()
	}

	logger := e.logger.With("run_id", runID)
	logger.Info("engine: run started", "query", clip(query, 120))

	if err := e.store.Init(ctx); err != nil {
		return nil, &StoreError{Op: "init", Err: err}
	}

	// Stage 1.
	stage1 := NewStage1(e.reg, e.planner, e.maxSubtasks, e.logger, e.tracer)
	plan, err := stage1.Plan(ctx, runID, query)
	if err != nil {
		return nil, err
	}
	if len(plan.Subtasks) == plan.UnmappableCount() {
		return nil, &InvalidPlanError{Reason: "empty plan"}
	}
	if err := e.persistPlan(ctx, plan); err != nil {
		return nil, err
	}

	// Stage 2, per path.
	loader := NewToolLoader(e.reg, e.logger)
	stage2 := NewStage2(e.reg, loader, e.logger, e.tracer)
	pathPlans, err := stage2.EnrichAll(ctx, plan)
	if err != nil {
		return nil, err
	}
	if err := e.persistEnrichment(ctx, plan); err != nil {
		return nil, err
	}

	// Execution plans are data, persisted before anything runs.
	execPlans := make([]*ExecutionPlan, 0, len(pathPlans))
	scriptRefs := make([]string, 0, len(pathPlans))
	for _, pp := range pathPlans {
		ep := BuildExecutionPlan(runID, pp)
		execPlans = append(execPlans, ep)
		ref, err := e.bus.WriteJSON(OrchestratorAgent, "plans/"+runID+"_"+ep.PathID+".json", ep)
		if err != nil {
			return nil, err
		}
		scriptRefs = append(scriptRefs, ref)
	}

	// Execute.
	executor := NewExecutor(loader, e.store, e.bus, e.logger, append([]ExecutorOption{WithExecutorTracer(e.tracer)}, e.execOpts...)...)
	report, err := executor.Run(ctx, runID, sessionID, query, execPlans)
	if err != nil {
		return nil, err
	}

	// Consolidate.
	validator := e.planner
	if rc.skipValidation {
		validator = nil
	}
	runner := NewRunner(e.store, validator, e.composer, e.logger, e.tracer)
	consolidated, err := runner.Consolidate(ctx, runID, query)
	if err != nil {
		return nil, err
	}

	planningTable, err := e.store.GetTaskPlan(ctx, runID)
	if err != nil {
		logger.Warn("engine: planning table unavailable", "error", err)
	}

	res := &RunResult{
		RunID:       runID,
		Query:       query,
		Answer:      consolidated.Answer,
		DataByAgent: consolidated.DataByAgent,
		Stats:       consolidated.Stats,
		Validation:  consolidated.Validation,
		Metadata: RunMetadata{
			StartedAt:       started,
			DurationMS:      float64(time.Since(started).Milliseconds()),
			TotalTasks:      len(plan.Subtasks),
			SuccessfulTasks: report.Successful,
			FailedTasks:     report.Failed,
			UnmappableTasks: plan.UnmappableCount(),
			SkippedUpstream: report.SkippedUpstream,
			AgentsUsed:      report.AgentsUsed,
			Paths:           len(plan.Paths),
			ScriptRefs:      scriptRefs,
		},
		PlanningTable: planningTable,
	}

	if _, err := e.bus.WriteJSON(OrchestratorAgent, "runs/"+runID+"_result.json", res); err != nil {
		logger.Warn("engine: result artifact not written", "error", err)
	}

	logger.Info("engine: run finished",
		"duration_ms", res.Metadata.DurationMS,
		"successful", report.Successful,
		"failed", report.Failed,
		"unmappable", res.Metadata.UnmappableTasks)
	if span != nil {
		span.SetAttr(
			IntAttr("tasks.total", res.Metadata.TotalTasks),
			IntAttr("tasks.successful", report.Successful),
			IntAttr("tasks.failed", report.Failed))
	}
	return res, nil
}

// persistPlan records the Stage 1 view of every task, including unmappable
// ones, in the planning table.
func (e *Engine) persistPlan(ctx context.Context, plan *Plan) error {
	for _, t := range plan.Subtasks {
		row := PlanRow{
			RunID:          plan.RunID,
			TaskID:         t.ID,
			AgentID:        t.AgentID,
			DependencyPath: plan.TaskPaths[t.ID],
		}
		if spec, ok := e.reg.Agent(t.AgentID); ok {
			row.AgentDescription = spec.Description
		}
		if err := e.store.InsertPlanRow(ctx, row); err != nil {
			return &StoreError{Op: "insert plan row", Err: err}
		}
	}
	return nil
}

// persistEnrichment folds the Stage 2 tool selection back into the planning
// table.
func (e *Engine) persistEnrichment(ctx context.Context, plan *Plan) error {
	for _, t := range plan.Subtasks {
		if !t.Mappable || t.ToolID == "" {
			continue
		}
		if err := e.store.UpdatePlanTools(ctx, plan.RunID, t.ID, []string{t.ToolID}, t.Params); err != nil {
			return &StoreError{Op: "update plan tools", Err: err}
		}
	}
	return nil
}
