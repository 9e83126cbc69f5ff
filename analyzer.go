package conductor

// Analyzer validates a task graph and derives the structural information the
// scheduler and Stage 2 consume: topological layers, leaf-to-root paths, and
// per-task canonical paths.
type Analyzer struct {
	order      []string // task IDs in Stage 1 ordinal order
	deps       map[string][]string
	dependents map[string][]string
}

// AnalysisResult is the output of Analyze. Re-running Analyze on the same
// subtasks yields an identical result.
type AnalysisResult struct {
	// ParallelGroups are topological layers: layer i holds every task
	// whose deepest predecessor lies in layers 0..i-1. Within a layer,
	// tasks keep their Stage 1 ordinal order.
	ParallelGroups [][]string
	// Paths enumerate, for every sink, all simple root-to-sink paths,
	// deduplicated in discovery order.
	Paths [][]string
	// TaskPaths maps each task to one canonical root-to-task path.
	// Fan-in tasks get all their predecessors merged in topological
	// order instead of one arbitrary path.
	TaskPaths map[string][]string
	MaxDepth  int
}

// NewAnalyzer builds the forward and reverse dependency graphs, rejecting
// dependencies on unknown tasks.
func NewAnalyzer(subtasks []*Subtask) (*Analyzer, error) {
	a := &Analyzer{
		deps:       make(map[string][]string, len(subtasks)),
		dependents: make(map[string][]string, len(subtasks)),
	}
	known := make(map[string]bool, len(subtasks))
	for _, t := range subtasks {
		known[t.ID] = true
		a.order = append(a.order, t.ID)
	}
	for _, t := range subtasks {
		for _, dep := range t.Dependencies {
			if !known[dep] {
				return nil, &InvalidPlanError{Reason: "dangling dependency", TaskID: t.ID, DependencyID: dep}
			}
			a.dependents[dep] = append(a.dependents[dep], t.ID)
		}
		a.deps[t.ID] = t.Dependencies
	}
	return a, nil
}

// Analyze runs cycle detection and derives layers, paths, and depth.
// A cycle yields an *InvalidPlanError carrying the offending path.
func (a *Analyzer) Analyze() (*AnalysisResult, error) {
	if len(a.order) == 0 {
		return nil, &InvalidPlanError{Reason: "empty plan"}
	}
	if cycle := a.findCycle(); cycle != nil {
		return nil, &InvalidPlanError{Reason: "cycle", Cycle: cycle}
	}
	paths := a.extractPaths()
	return &AnalysisResult{
		ParallelGroups: a.parallelGroups(),
		Paths:          paths,
		TaskPaths:      a.taskPaths(paths),
		MaxDepth:       a.maxDepth(),
	}, nil
}

// TransitiveDeps returns every ancestor of a task.
func (a *Analyzer) TransitiveDeps(taskID string) map[string]bool {
	all := make(map[string]bool)
	queue := append([]string(nil), a.deps[taskID]...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if !all[dep] {
			all[dep] = true
			queue = append(queue, a.deps[dep]...)
		}
	}
	return all
}

// Ready reports whether every dependency of a task is in the completed set.
func (a *Analyzer) Ready(taskID string, completed map[string]bool) bool {
	for _, dep := range a.deps[taskID] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// findCycle runs a three-color DFS over successor edges. Entering a gray
// node means a back edge; the returned slice is the cycle path starting and
// ending at that node, or nil when the graph is acyclic.
func (a *Analyzer) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(a.order))
	var stack []string
	var cycle []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range a.dependents[node] {
			switch color[next] {
			case gray:
				// Back edge: slice the stack from the first occurrence
				// of next and close the loop.
				for i, id := range stack {
					if id == next {
						cycle = append(append([]string(nil), stack[i:]...), next)
						return true
					}
				}
			case white:
				if dfs(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
		return false
	}

	for _, id := range a.order {
		if color[id] == white && dfs(id) {
			return cycle
		}
	}
	return nil
}

// parallelGroups computes topological layers with Kahn's algorithm,
// preserving ordinal order within each layer.
func (a *Analyzer) parallelGroups() [][]string {
	inDegree := make(map[string]int, len(a.order))
	for _, id := range a.order {
		inDegree[id] = len(a.deps[id])
	}
	remaining := make(map[string]bool, len(a.order))
	for _, id := range a.order {
		remaining[id] = true
	}

	var groups [][]string
	for len(remaining) > 0 {
		var layer []string
		for _, id := range a.order {
			if remaining[id] && inDegree[id] == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// Unreachable after findCycle, kept as a hard stop.
			break
		}
		groups = append(groups, layer)
		for _, id := range layer {
			delete(remaining, id)
			for _, dep := range a.dependents[id] {
				if remaining[dep] {
					inDegree[dep]--
				}
			}
		}
	}
	return groups
}

// extractPaths enumerates all simple root-to-sink paths for every sink.
func (a *Analyzer) extractPaths() [][]string {
	var paths [][]string
	seen := make(map[string]bool)
	for _, id := range a.order {
		if len(a.dependents[id]) > 0 {
			continue // not a sink
		}
		for _, p := range a.traceToRoots(id) {
			key := joinIDs(p)
			if !seen[key] {
				seen[key] = true
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// traceToRoots returns every root-to-task path ending at taskID.
func (a *Analyzer) traceToRoots(taskID string) [][]string {
	deps := a.deps[taskID]
	if len(deps) == 0 {
		return [][]string{{taskID}}
	}
	var all [][]string
	for _, dep := range deps {
		for _, p := range a.traceToRoots(dep) {
			path := make([]string, 0, len(p)+1)
			path = append(path, p...)
			path = append(path, taskID)
			all = append(all, path)
		}
	}
	return all
}

// taskPaths builds the canonical per-task dependency path. Tasks on a single
// path use it as-is; fan-in tasks merge all unique predecessors from every
// path they appear on, ordered by first appearance, with the task last.
func (a *Analyzer) taskPaths(paths [][]string) map[string][]string {
	appearances := make(map[string][][]string)
	for _, p := range paths {
		for _, id := range p {
			appearances[id] = append(appearances[id], p)
		}
	}

	out := make(map[string][]string, len(appearances))
	for id, ps := range appearances {
		if len(ps) == 1 {
			out[id] = ps[0]
			continue
		}
		predecessors := make(map[string]bool)
		for _, p := range ps {
			for _, pid := range p {
				if pid == id {
					break
				}
				predecessors[pid] = true
			}
		}
		var merged []string
		added := make(map[string]bool)
		for _, p := range ps {
			for _, pid := range p {
				if predecessors[pid] && !added[pid] {
					added[pid] = true
					merged = append(merged, pid)
				}
			}
		}
		out[id] = append(merged, id)
	}
	return out
}

// maxDepth is the longest-path depth of the DAG: 0 for independent tasks,
// 1 for one level of dependency, and so on.
func (a *Analyzer) maxDepth() int {
	depth := make(map[string]int, len(a.order))
	pending := make(map[string]int, len(a.order))
	var queue []string
	for _, id := range a.order {
		pending[id] = len(a.deps[id])
		if pending[id] == 0 {
			depth[id] = 0
			queue = append(queue, id)
		}
	}
	max := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if depth[id] > max {
			max = depth[id]
		}
		for _, dep := range a.dependents[id] {
			if depth[dep] < depth[id]+1 {
				depth[dep] = depth[id] + 1
			}
			pending[dep]--
			if pending[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	return max
}

func joinIDs(ids []string) string {
	key := ""
	for _, id := range ids {
		key += id + "\x00"
	}
	return key
}
