package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Stage2 enriches one dependency path at a time: it loads only the tools the
// path's agents are allowed to use, selects a tool per task, and extracts
// typed parameters from the task description. Each path gets its own
// enrichment pass so no path ever sees tools outside its agents.
//
// Enrichment is deterministic and idempotent; overlapping paths may enrich
// the same shared task more than once and always produce the same result.
type Stage2 struct {
	reg    *Registry
	loader *ToolLoader
	logger *slog.Logger
	tracer Tracer
}

// NewStage2 creates the path enricher.
func NewStage2(reg *Registry, loader *ToolLoader, logger *slog.Logger, tracer Tracer) *Stage2 {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Stage2{reg: reg, loader: loader, logger: logger, tracer: tracer}
}

// EnrichAll runs enrichment over every path in the plan, in path order.
// A plan with no dependencies still yields one single-task path per task.
func (s *Stage2) EnrichAll(ctx context.Context, plan *Plan) ([]*PathPlan, error) {
	out := make([]*PathPlan, 0, len(plan.Paths))
	for i, path := range plan.Paths {
		pp, err := s.EnrichPath(ctx, plan, fmt.Sprintf("p%d", i+1), path)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, nil
}

// EnrichPath enriches a single path. Unmappable tasks are carried in the
// path order but excluded from the enriched task list.
func (s *Stage2) EnrichPath(ctx context.Context, plan *Plan, pathID string, path []string) (*PathPlan, error) {
	var span Span
	if s.tracer != nil {
		_, span = s.tracer.Start(ctx, "planner.stage2",
			StringAttr("run_id", plan.RunID), StringAttr("path_id", pathID))
		defer span.End()
	}

	agents := pathAgents(plan, path)
	tools := s.loader.ToolsFor(agents)

	pp := &PathPlan{PathID: pathID, Path: path, Agents: agents}
	for _, t := range tools {
		pp.Tools = append(pp.Tools, t.ID)
	}

	for _, taskID := range path {
		t := plan.Task(taskID)
		if t == nil || !t.Mappable {
			continue
		}
		if err := s.enrichTask(t, tools); err != nil {
			return nil, err
		}
		pp.Tasks = append(pp.Tasks, t)
	}

	s.logger.Debug("stage2: path enriched",
		"run_id", plan.RunID, "path_id", pathID,
		"tasks", len(pp.Tasks), "agents", len(agents), "tools", len(tools))
	return pp, nil
}

// enrichTask selects a tool and extracts parameters for one task. A schema
// violation does not fail the run; the task is flagged for review and still
// executed with the best-effort parameters.
func (s *Stage2) enrichTask(t *Subtask, loaded []ToolSpec) error {
	spec, ok := s.reg.Agent(t.AgentID)
	if !ok {
		return fmt.Errorf("stage2: task %s bound to unknown agent %s", t.ID, t.AgentID)
	}

	tool, hasTool := s.selectTool(t, spec, loaded)
	if hasTool {
		t.ToolID = tool.ID
	}

	params := extractorFor(spec.Extractor)(t.Description)
	t.Params = params

	if hasTool {
		if err := validateParams(tool, params); err != nil {
			t.NeedsReview = true
			s.logger.Warn("stage2: parameters need review", "task", t.ID, "tool", tool.ID, "cause", err)
		}
	}
	return nil
}

// selectTool picks the agent's tool whose description and field names best
// overlap the task description. A single-tool agent short-circuits; ties
// break by allow-list order. Agents with no tools leave ToolID empty.
func (s *Stage2) selectTool(t *Subtask, agent AgentSpec, loaded []ToolSpec) (ToolSpec, bool) {
	var candidates []ToolSpec
	for _, tool := range loaded {
		if tool.AgentID == agent.ID {
			candidates = append(candidates, tool)
		}
	}
	switch len(candidates) {
	case 0:
		return ToolSpec{}, false
	case 1:
		return candidates[0], true
	}

	desc := normalizeText(t.Description)
	best := candidates[0]
	bestScore := -1
	for _, tool := range candidates {
		score := toolScore(desc, tool)
		if score > bestScore {
			bestScore = score
			best = tool
		}
	}
	return best, true
}

// toolScore counts how many distinct words from the tool's description and
// schema field names occur in the task description.
func toolScore(desc string, tool ToolSpec) int {
	seen := make(map[string]bool)
	score := 0
	count := func(word string) {
		if len(word) < 3 || seen[word] {
			return
		}
		seen[word] = true
		if hasWord(desc, word) {
			score++
		}
	}
	for _, w := range strings.Fields(normalizeText(tool.Description)) {
		count(w)
	}
	for _, f := range tool.Fields {
		for _, w := range strings.Split(f.Name, "_") {
			count(w)
		}
	}
	return score
}

// pathAgents returns the distinct agents bound to the path's mappable tasks,
// in path order.
func pathAgents(plan *Plan, path []string) []string {
	var agents []string
	seen := make(map[string]bool)
	for _, id := range path {
		t := plan.Task(id)
		if t == nil || !t.Mappable || seen[t.AgentID] {
			continue
		}
		seen[t.AgentID] = true
		agents = append(agents, t.AgentID)
	}
	return agents
}
