package conductor

// BuildExecutionPlan turns an enriched path into the pure data structure the
// executor interprets. No code is generated or evaluated; the plan is a list
// of steps with explicit wait points, safe to persist and inspect.
//
// WaitFor holds only the dependencies satisfied outside this path: a
// predecessor appearing earlier in the same path completes before the step
// is dispatched, so only cross-path dependencies need a store wait.
func BuildExecutionPlan(runID string, pp *PathPlan) *ExecutionPlan {
	plan := &ExecutionPlan{RunID: runID, PathID: pp.PathID}
	onPath := make(map[string]bool, len(pp.Tasks))
	for _, t := range pp.Tasks {
		onPath[t.ID] = true
	}

	earlier := make(map[string]bool, len(pp.Tasks))
	for _, t := range pp.Tasks {
		step := ExecutionStep{
			TaskID:       t.ID,
			AgentID:      t.AgentID,
			ToolID:       t.ToolID,
			Params:       t.Params,
			Dependencies: t.Dependencies,
			NeedsReview:  t.NeedsReview,
		}
		for _, dep := range t.Dependencies {
			if !earlier[dep] {
				step.WaitFor = append(step.WaitFor, dep)
			}
		}
		plan.Steps = append(plan.Steps, step)
		earlier[t.ID] = true
	}
	return plan
}
