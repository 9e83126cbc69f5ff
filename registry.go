package conductor

import "fmt"

// Registry holds the agent and tool descriptors plus the Worker
// implementations bound to them. It is populated once before the first run
// and read-only afterwards; no locking is needed at query time.
type Registry struct {
	order   []string // registration order, used for mapping tie-breaks
	agents  map[string]AgentSpec
	tools   map[string]ToolSpec
	workers map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents:  make(map[string]AgentSpec),
		tools:   make(map[string]ToolSpec),
		workers: make(map[string]Worker),
	}
}

// Register adds an agent with its worker implementation and tool descriptors.
// Every tool must name the agent as owner and appear in the agent's
// allow-list; registration is strict so misconfiguration fails at startup,
// not mid-run.
func (r *Registry) Register(spec AgentSpec, w Worker, tools ...ToolSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("register: empty agent id")
	}
	if _, dup := r.agents[spec.ID]; dup {
		return fmt.Errorf("register: agent %s already registered", spec.ID)
	}
	if w != nil && w.ID() != spec.ID {
		return fmt.Errorf("register: worker id %s does not match agent %s", w.ID(), spec.ID)
	}
	allowed := make(map[string]bool, len(spec.Tools))
	for _, id := range spec.Tools {
		allowed[id] = true
	}
	for _, t := range tools {
		if t.AgentID != spec.ID {
			return fmt.Errorf("register: tool %s owned by %s, registered under %s", t.ID, t.AgentID, spec.ID)
		}
		if !allowed[t.ID] {
			return fmt.Errorf("register: tool %s missing from agent %s allow-list", t.ID, spec.ID)
		}
		if _, dup := r.tools[t.ID]; dup {
			return fmt.Errorf("register: tool %s already registered", t.ID)
		}
		r.tools[t.ID] = t
	}
	r.order = append(r.order, spec.ID)
	r.agents[spec.ID] = spec
	if w != nil {
		r.workers[spec.ID] = w
	}
	return nil
}

// Agent returns the spec for an agent ID.
func (r *Registry) Agent(id string) (AgentSpec, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// Agents returns all specs in registration order.
func (r *Registry) Agents() []AgentSpec {
	out := make([]AgentSpec, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Worker returns the worker bound to an agent ID.
func (r *Registry) Worker(id string) (Worker, bool) {
	w, ok := r.workers[id]
	return w, ok
}

// Tool returns the spec for a tool ID.
func (r *Registry) Tool(id string) (ToolSpec, bool) {
	t, ok := r.tools[id]
	return t, ok
}

// AgentTools returns the tool specs in an agent's allow-list, in the order
// the allow-list declares them.
func (r *Registry) AgentTools(agentID string) []ToolSpec {
	spec, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]ToolSpec, 0, len(spec.Tools))
	for _, id := range spec.Tools {
		if t, ok := r.tools[id]; ok {
			out = append(out, t)
		}
	}
	return out
}
