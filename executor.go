package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"
)

// Executor defaults. Callers override with the ExecutorOption functions.
const (
	DefaultTaskTimeout    = 2 * time.Minute
	DefaultDepWaitTimeout = 5 * time.Minute
	DefaultPollInterval   = 200 * time.Millisecond
)

// TaskOutcome is the executor's verdict on one task.
type TaskOutcome struct {
	TaskID     string
	AgentID    string
	Status     TaskStatus
	Cause      string // failure cause; empty on success
	Rows       int
	DurationMS float64
}

// ExecReport aggregates a run's task outcomes.
type ExecReport struct {
	Outcomes map[string]TaskOutcome
	// SkippedUpstream counts the subset of failures recorded because an
	// upstream task failed, not because the task itself ran and failed.
	Successful      int
	Failed          int
	SkippedUpstream int
	AgentsUsed      []string
}

// Executor interprets execution plans against the live registry. Dispatch is
// reactive: each completion immediately unblocks dependents instead of
// batching by topological layer, so a slow sibling never delays an
// independent branch. Cross-path dependencies are confirmed against the
// TaskStore before a step's worker is invoked.
type Executor struct {
	loader *ToolLoader
	store  TaskStore
	bus    ArtifactBus
	logger *slog.Logger
	tracer Tracer

	maxParallel    int
	taskTimeout    time.Duration
	depWaitTimeout time.Duration
	pollInterval   time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxParallel caps the number of concurrently running tasks.
func WithMaxParallel(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithTaskTimeout bounds one worker invocation.
func WithTaskTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.taskTimeout = d
		}
	}
}

// WithDepWaitTimeout bounds the store-visibility wait for cross-path
// dependencies.
func WithDepWaitTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.depWaitTimeout = d
		}
	}
}

// WithPollInterval sets the store polling cadence for dependency waits.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithExecutorTracer attaches a tracer to executor spans.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor over the given loader, store, and bus.
// maxParallel defaults to GOMAXPROCS-equivalent CPU count, at least 2.
func NewExecutor(loader *ToolLoader, store TaskStore, bus ArtifactBus, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	parallel := runtime.NumCPU()
	if parallel < 2 {
		parallel = 2
	}
	e := &Executor{
		loader:         loader,
		store:          store,
		bus:            bus,
		logger:         logger,
		maxParallel:    parallel,
		taskTimeout:    DefaultTaskTimeout,
		depWaitTimeout: DefaultDepWaitTimeout,
		pollInterval:   DefaultPollInterval,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run merges the per-path plans into one global DAG (overlapping paths share
// steps, which are deduplicated by task ID) and drives it to completion.
// A task failure does not stop the run; only its dependents are skipped,
// with the originating task recorded as the cause. Context cancellation
// fails every unfinished task with a cancellation cause.
func (e *Executor) Run(ctx context.Context, runID, sessionID, query string, plans []*ExecutionPlan) (*ExecReport, error) {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "executor.run", StringAttr("run_id", runID))
		defer span.End()
	}

	steps, order := mergePlans(plans)
	report := &ExecReport{Outcomes: make(map[string]TaskOutcome, len(order))}
	if len(order) == 0 {
		return report, nil
	}

	// deps/dependents over the merged step set. A dependency absent from
	// the merged set can never complete (it was unmappable), so the
	// dependent is doomed before dispatch.
	deps := make(map[string][]string, len(order))
	dependents := make(map[string][]string, len(order))
	doomed := make(map[string]string) // taskID -> missing dependency
	for _, id := range order {
		for _, dep := range steps[id].Dependencies {
			if _, ok := steps[dep]; !ok {
				if _, dup := doomed[id]; !dup {
					doomed[id] = dep
				}
				continue
			}
			deps[id] = append(deps[id], dep)
			dependents[dep] = append(dependents[dep], id)
		}
	}

	completed := make(map[string]bool, len(order))
	remaining := make(map[string]int, len(order))
	for _, id := range order {
		remaining[id] = len(deps[id])
	}

	var mu sync.Mutex // protects report.Outcomes during concurrent step finishes
	record := func(o TaskOutcome) {
		mu.Lock()
		report.Outcomes[o.TaskID] = o
		mu.Unlock()
	}

	done := make(chan TaskOutcome, len(order))
	inflight := 0
	slots := make(chan struct{}, e.maxParallel)

	// skip marks a task failed without invoking its worker and cascades to
	// dependents that become ready; they inherit an upstream cause naming
	// the originally failed task.
	// Failure rows must be recorded even after the run context is
	// cancelled, so store writes on failure paths use a detached context.
	recordCtx := context.WithoutCancel(ctx)

	var skip func(id, cause string)
	skip = func(id, cause string) {
		step := steps[id]
		if err := e.store.FailTask(recordCtx, runID, id, step.AgentID, 0, cause); err != nil {
			e.logger.Error("executor: record skip", "run_id", runID, "task", id, "error", err)
		}
		record(TaskOutcome{TaskID: id, AgentID: step.AgentID, Status: StatusFailed, Cause: cause})
		e.logger.Warn("executor: task skipped", "run_id", runID, "task", id, "cause", cause)
		completed[id] = true
		for _, dep := range dependents[id] {
			if !completed[dep] {
				remaining[dep]--
				if remaining[dep] == 0 {
					skip(dep, upstreamCause(id, cause))
				}
			}
		}
	}

	launch := func(id string) {
		if completed[id] {
			return
		}
		if ctx.Err() != nil {
			skip(id, CauseCancelled)
			return
		}
		if missing, ok := doomed[id]; ok {
			skip(id, UpstreamFailureCause(missing))
			return
		}
		if cause, failed := e.failedUpstream(report, deps[id], &mu); failed {
			skip(id, cause)
			return
		}
		completed[id] = true
		inflight++
		step := steps[id]
		go func() {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				if err := e.store.FailTask(recordCtx, runID, step.TaskID, step.AgentID, 0, CauseCancelled); err != nil {
					e.logger.Error("executor: record cancellation", "run_id", runID, "task", step.TaskID, "error", err)
				}
				done <- TaskOutcome{TaskID: step.TaskID, AgentID: step.AgentID, Status: StatusFailed, Cause: CauseCancelled}
				return
			}
			defer func() { <-slots }()
			done <- e.runStep(ctx, runID, sessionID, query, step)
		}()
	}

	for _, id := range order {
		if remaining[id] == 0 {
			launch(id)
		}
	}

	for inflight > 0 {
		o := <-done
		inflight--
		record(o)
		for _, dep := range dependents[o.TaskID] {
			if !completed[dep] {
				remaining[dep]--
				if remaining[dep] == 0 {
					launch(dep)
				}
			}
		}
	}

	e.tally(report)
	if span != nil {
		span.SetAttr(
			IntAttr("tasks.successful", report.Successful),
			IntAttr("tasks.failed", report.Failed),
			IntAttr("tasks.skipped_upstream", report.SkippedUpstream))
	}
	return report, nil
}

// failedUpstream returns the upstream cause when any direct dependency
// already failed.
func (e *Executor) failedUpstream(report *ExecReport, deps []string, mu *sync.Mutex) (string, bool) {
	mu.Lock()
	defer mu.Unlock()
	for _, dep := range deps {
		if o, ok := report.Outcomes[dep]; ok && o.Status == StatusFailed {
			return upstreamCause(dep, o.Cause), true
		}
	}
	return "", false
}

// upstreamCause names the root failed task: skips caused by an already
// upstream-caused failure keep pointing at the original task. A cancelled
// dependency cancels the dependent too; every task pending when the run is
// cancelled records the cancellation cause, not an upstream chain.
func upstreamCause(dep, depCause string) string {
	if depCause == CauseCancelled {
		return CauseCancelled
	}
	if IsUpstreamFailure(depCause) {
		return depCause
	}
	return UpstreamFailureCause(dep)
}

// runStep executes one step end to end: store-visibility wait, lifecycle
// rows, worker invocation, output persistence, artifact publication.
func (e *Executor) runStep(ctx context.Context, runID, sessionID, query string, step ExecutionStep) TaskOutcome {
	start := time.Now()
	outcome := TaskOutcome{TaskID: step.TaskID, AgentID: step.AgentID}
	fail := func(cause string, recordRow bool) TaskOutcome {
		outcome.Status = StatusFailed
		outcome.Cause = cause
		outcome.DurationMS = float64(time.Since(start).Milliseconds())
		if recordRow {
			if err := e.store.FailTask(context.WithoutCancel(ctx), runID, step.TaskID, step.AgentID, outcome.DurationMS, cause); err != nil {
				e.logger.Error("executor: record failure", "run_id", runID, "task", step.TaskID, "error", err)
			}
		}
		e.logger.Error("executor: task failed", "run_id", runID, "task", step.TaskID, "agent", step.AgentID, "cause", cause)
		return outcome
	}
	// Store and bus errors raised because the run context was cancelled
	// record the cancellation cause, not the transport error text.
	failErr := func(err error) TaskOutcome {
		if ctx.Err() != nil {
			return fail(CauseCancelled, true)
		}
		return fail(err.Error(), true)
	}

	if ctx.Err() != nil {
		return fail(CauseCancelled, true)
	}

	if len(step.WaitFor) > 0 {
		if err := e.awaitDependencies(ctx, runID, step.WaitFor); err != nil {
			if ctx.Err() != nil {
				return fail(CauseCancelled, true)
			}
			return fail(CauseDependencyWait, true)
		}
	}

	if err := e.store.StartTask(ctx, runID, step.TaskID, step.AgentID, start); err != nil {
		if errors.Is(err, ErrAlreadyStarted) {
			// Another interleaving already ran this shared step.
			e.logger.Debug("executor: task already started", "run_id", runID, "task", step.TaskID)
			outcome.Status = StatusSuccess
			return outcome
		}
		return failErr(err)
	}

	taskCtx, cancel := context.WithTimeout(ctx, e.taskTimeout)
	defer cancel()

	if step.NeedsReview {
		e.logger.Warn("executor: running task with unreviewed parameters", "run_id", runID, "task", step.TaskID, "tool", step.ToolID)
	}

	out, err := e.loader.Invoke(taskCtx, step.AgentID, Invocation{
		RunID:     runID,
		TaskID:    step.TaskID,
		ToolID:    step.ToolID,
		Query:     query,
		SessionID: sessionID,
		Params:    step.Params,
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fail(CauseCancelled, true)
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			return fail(CauseTimeout, true)
		default:
			return fail(err.Error(), true)
		}
	}

	ref, err := e.bus.Publish(ctx, step.AgentID, out)
	if err != nil {
		return failErr(err)
	}

	durationMS := float64(time.Since(start).Milliseconds())
	if err := e.store.CompleteTask(ctx, runID, step.TaskID, durationMS, ref); err != nil {
		return failErr(err)
	}
	outJSON, _ := json.Marshal(out)
	metaJSON, _ := json.Marshal(out.Metadata)
	if err := e.store.StoreOutput(ctx, runID, step.TaskID, step.AgentID, outJSON, metaJSON); err != nil {
		return failErr(err)
	}

	outcome.Status = StatusSuccess
	outcome.Rows = len(out.Data)
	outcome.DurationMS = durationMS
	e.logger.Info("executor: task completed",
		"run_id", runID, "task", step.TaskID, "agent", step.AgentID,
		"rows", outcome.Rows, "duration_ms", durationMS)
	return outcome
}

// awaitDependencies polls the store until every listed dependency has a
// success row, the wait times out, or the context is cancelled.
func (e *Executor) awaitDependencies(ctx context.Context, runID string, deps []string) error {
	deadline := time.NewTimer(e.depWaitTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		ok, err := e.store.AreDependenciesComplete(ctx, runID, deps)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return context.DeadlineExceeded
		case <-ticker.C:
		}
	}
}

// tally fills the report's aggregate counters from the outcomes.
func (e *Executor) tally(report *ExecReport) {
	agents := make(map[string]bool)
	for _, o := range report.Outcomes {
		switch o.Status {
		case StatusSuccess:
			report.Successful++
			agents[o.AgentID] = true
		case StatusFailed:
			report.Failed++
			if IsUpstreamFailure(o.Cause) {
				report.SkippedUpstream++
			}
		}
	}
	for a := range agents {
		report.AgentsUsed = append(report.AgentsUsed, a)
	}
	sort.Strings(report.AgentsUsed)
}

// mergePlans deduplicates overlapping path plans into one step set, keeping
// first-appearance order.
func mergePlans(plans []*ExecutionPlan) (map[string]ExecutionStep, []string) {
	steps := make(map[string]ExecutionStep)
	var order []string
	for _, p := range plans {
		for _, s := range p.Steps {
			if _, ok := steps[s.TaskID]; ok {
				continue
			}
			steps[s.TaskID] = s
			order = append(order, s.TaskID)
		}
	}
	return steps, order
}
