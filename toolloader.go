package conductor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ToolLoader provides on-demand, cached tool descriptors per agent so each
// Stage 2 instance only sees the tools its path is allowed to use, and
// dispatches tool invocations with allow-list enforcement.
//
// The cache is mutated only during the first call for each agent; later
// calls are read-only.
type ToolLoader struct {
	reg    *Registry
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string][]ToolSpec
}

// NewToolLoader creates a loader over the given registry.
func NewToolLoader(reg *Registry, logger *slog.Logger) *ToolLoader {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &ToolLoader{
		reg:    reg,
		logger: logger,
		cache:  make(map[string][]ToolSpec),
	}
}

// ToolsFor loads the tool descriptors for the given agents, fetching missing
// ones from the registry and returning the union. The result preserves agent
// order, then allow-list order within one agent.
func (l *ToolLoader) ToolsFor(agentIDs []string) []ToolSpec {
	var out []ToolSpec
	seen := make(map[string]bool)
	for _, agentID := range agentIDs {
		for _, t := range l.toolsForAgent(agentID) {
			if !seen[t.ID] {
				seen[t.ID] = true
				out = append(out, t)
			}
		}
	}
	return out
}

func (l *ToolLoader) toolsForAgent(agentID string) []ToolSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	if specs, ok := l.cache[agentID]; ok {
		return specs
	}
	specs := l.reg.AgentTools(agentID)
	l.cache[agentID] = specs
	l.logger.Debug("toolloader: loaded", "agent", agentID, "tools", len(specs))
	return specs
}

// Invoke dispatches one tool call to the agent's worker. The tool must be
// registered and appear in the owning agent's allow-list; worker failures
// come back wrapped as *ToolError.
func (l *ToolLoader) Invoke(ctx context.Context, agentID string, inv Invocation) (Output, error) {
	if inv.ToolID != "" {
		spec, ok := l.reg.Tool(inv.ToolID)
		if !ok {
			return Output{}, &UnknownToolError{ToolID: inv.ToolID}
		}
		if spec.AgentID != agentID {
			return Output{}, &UnauthorizedToolError{ToolID: inv.ToolID, AgentID: agentID}
		}
	}
	w, ok := l.reg.Worker(agentID)
	if !ok {
		return Output{}, &ToolError{ToolID: inv.ToolID, Err: fmt.Errorf("no worker registered for agent %s", agentID)}
	}
	out, err := w.Invoke(ctx, inv)
	if err != nil {
		return Output{}, &ToolError{ToolID: inv.ToolID, Err: err}
	}
	return out, nil
}

// discardHandler is a slog.Handler that drops everything; used when no
// logger is configured.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
