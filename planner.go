package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// DefaultMaxSubtasks bounds decomposition when the caller does not override.
const DefaultMaxSubtasks = 5

// Stage1 turns a query into a validated, agent-mapped DAG. It fixes plan
// structure and agent binding only; parameter extraction is Stage 2's job.
type Stage1 struct {
	reg         *Registry
	planner     Planner // nil means always fall back
	maxSubtasks int
	logger      *slog.Logger
	tracer      Tracer
}

// NewStage1 creates the Stage 1 planner. planner may be nil; decomposition
// then always uses the deterministic single-task fallback.
func NewStage1(reg *Registry, planner Planner, maxSubtasks int, logger *slog.Logger, tracer Tracer) *Stage1 {
	if maxSubtasks <= 0 {
		maxSubtasks = DefaultMaxSubtasks
	}
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Stage1{reg: reg, planner: planner, maxSubtasks: maxSubtasks, logger: logger, tracer: tracer}
}

// Plan decomposes the query, normalizes task IDs to t<ordinal> form, binds
// agents, and runs dependency analysis. A cycle or dangling dependency
// yields an *InvalidPlanError before any tool is touched.
func (s *Stage1) Plan(ctx context.Context, runID, query string) (*Plan, error) {
	var span Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "planner.stage1", StringAttr("run_id", runID))
		defer span.End()
	}

	raw, err := s.decompose(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, &InvalidPlanError{Reason: "empty plan"}
	}

	subtasks := s.normalize(raw)
	s.mapAgents(subtasks)

	analyzer, err := NewAnalyzer(subtasks)
	if err != nil {
		return nil, err
	}
	analysis, err := analyzer.Analyze()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		RunID:          runID,
		Query:          query,
		Subtasks:       subtasks,
		ParallelGroups: analysis.ParallelGroups,
		Paths:          analysis.Paths,
		TaskPaths:      analysis.TaskPaths,
		MaxDepth:       analysis.MaxDepth,
	}

	mappable := len(subtasks) - plan.UnmappableCount()
	s.logger.Info("stage1: plan created",
		"run_id", runID,
		"tasks", len(subtasks),
		"mappable", mappable,
		"paths", len(plan.Paths),
		"max_depth", plan.MaxDepth)
	if span != nil {
		span.SetAttr(IntAttr("plan.tasks", len(subtasks)), IntAttr("plan.paths", len(plan.Paths)))
	}
	return plan, nil
}

// decompose calls the Planner collaborator. When the collaborator is absent
// or unavailable, the fallback is one task carrying the whole query.
func (s *Stage1) decompose(ctx context.Context, query string) ([]RawTask, error) {
	if s.planner == nil {
		return []RawTask{{Description: query}}, nil
	}
	raw, err := s.planner.Decompose(ctx, query, s.reg.Agents(), s.maxSubtasks)
	if err != nil {
		var unavailable *PlannerUnavailableError
		if errors.As(err, &unavailable) {
			s.logger.Warn("stage1: planner unavailable, falling back to single-task plan", "cause", unavailable.Err)
			return []RawTask{{Description: query}}, nil
		}
		return nil, fmt.Errorf("stage1: decompose: %w", err)
	}
	return raw, nil
}

// normalize renames tasks to t1, t2, ... preserving decomposition order and
// rewrites suggested dependencies to the new IDs. Dependency references are
// accepted as "t2", "task_2", or "2".
func (s *Stage1) normalize(raw []RawTask) []*Subtask {
	subtasks := make([]*Subtask, len(raw))
	for i, rt := range raw {
		deps := make([]string, 0, len(rt.SuggestedDeps))
		seen := make(map[string]bool)
		for _, d := range rt.SuggestedDeps {
			id := normalizeTaskRef(d)
			if id != "" && !seen[id] {
				seen[id] = true
				deps = append(deps, id)
			}
		}
		subtasks[i] = &Subtask{
			ID:             fmt.Sprintf("t%d", i+1),
			Description:    rt.Description,
			Dependencies:   deps,
			suggestedAgent: rt.SuggestedAgent,
		}
	}
	return subtasks
}

// normalizeTaskRef maps an ordinal reference in any accepted spelling to
// canonical t<ordinal> form. Unparseable references pass through unchanged
// and surface later as dangling dependencies.
func normalizeTaskRef(ref string) string {
	ref = strings.TrimSpace(ref)
	trimmed := strings.TrimPrefix(strings.TrimPrefix(ref, "task_"), "t")
	if n, err := strconv.Atoi(trimmed); err == nil && n > 0 {
		return fmt.Sprintf("t%d", n)
	}
	return ref
}

// mapAgents binds each task to an agent: a valid suggestion wins, otherwise
// the agent with the highest keyword-hint overlap against the description.
// Ties break by registration order; a zero score leaves the task unmappable.
func (s *Stage1) mapAgents(subtasks []*Subtask) {
	agents := s.reg.Agents()
	for _, t := range subtasks {
		suggested := normalizeAgentRef(t.suggestedAgent)
		if _, ok := s.reg.Agent(suggested); ok {
			t.AgentID = suggested
			t.Mappable = true
			continue
		}

		desc := normalizeText(t.Description)
		bestScore := 0
		bestAgent := ""
		for _, a := range agents {
			score := 0
			for _, kw := range a.Keywords {
				if hasPhrase(desc, kw) {
					score++
				}
			}
			if score > bestScore {
				bestScore = score
				bestAgent = a.ID
			}
		}
		if bestScore > 0 {
			t.AgentID = bestAgent
			t.Mappable = true
		} else {
			s.logger.Warn("stage1: no agent for task", "task", t.ID, "description", clip(t.Description, 60))
		}
	}
}

// normalizeAgentRef lowercases and converts dashes so "Market-Data-Agent"
// matches a registered "market_data_agent".
func normalizeAgentRef(ref string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(ref)), "-", "_")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
