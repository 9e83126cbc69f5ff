package conductor

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type scriptedPlanner struct {
	tasks       []RawTask
	err         error
	gotQuery    string
	gotAgents   int
	gotMaxTasks int
}

func (p *scriptedPlanner) Decompose(_ context.Context, query string, agents []AgentSpec, maxSubtasks int) ([]RawTask, error) {
	p.gotQuery = query
	p.gotAgents = len(agents)
	p.gotMaxTasks = maxSubtasks
	return p.tasks, p.err
}

func (p *scriptedPlanner) Validate(context.Context, string, string, []OutputRecord) (Validation, error) {
	return Validation{Valid: true, CompletenessScore: 1}, nil
}

func planRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	specs := []AgentSpec{
		{
			ID:       "market_data_agent",
			Keywords: []string{"price", "option", "options", "symbol", "market data"},
		},
		{
			ID:       "prediction_market_agent",
			Keywords: []string{"probability", "odds", "prediction", "markets"},
		},
	}
	for _, s := range specs {
		if err := reg.Register(s, nil); err != nil {
			t.Fatalf("register %s: %v", s.ID, err)
		}
	}
	return reg
}

func TestPlanFallbackNilPlanner(t *testing.T) {
	s1 := NewStage1(planRegistry(t), nil, 0, nil, nil)

	plan, err := s1.Plan(context.Background(), "r1", "show all option prices")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Subtasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(plan.Subtasks))
	}
	task := plan.Subtasks[0]
	if task.ID != "t1" || task.Description != "show all option prices" {
		t.Fatalf("task = %+v", task)
	}
	if !task.Mappable || task.AgentID != "market_data_agent" {
		t.Fatalf("mapping = %q mappable=%v", task.AgentID, task.Mappable)
	}
}

func TestPlanFallbackOnPlannerUnavailable(t *testing.T) {
	planner := &scriptedPlanner{err: &PlannerUnavailableError{Err: errors.New("connection refused")}}
	s1 := NewStage1(planRegistry(t), planner, 0, nil, nil)

	plan, err := s1.Plan(context.Background(), "r1", "latest ZN price")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Subtasks) != 1 || plan.Subtasks[0].Description != "latest ZN price" {
		t.Fatalf("fallback plan = %+v", plan.Subtasks)
	}
}

func TestPlanPlannerErrorPropagates(t *testing.T) {
	planner := &scriptedPlanner{err: errors.New("malformed response")}
	s1 := NewStage1(planRegistry(t), planner, 0, nil, nil)

	_, err := s1.Plan(context.Background(), "r1", "anything")
	if err == nil || !strings.Contains(err.Error(), "malformed response") {
		t.Fatalf("err = %v, want decompose error", err)
	}
}

func TestPlanNormalizesIDsAndDeps(t *testing.T) {
	planner := &scriptedPlanner{tasks: []RawTask{
		{Description: "get option prices"},
		{Description: "get election odds"},
		{Description: "compare option prices with market odds", SuggestedDeps: []string{"task_1", "2", "t2"}},
	}}
	s1 := NewStage1(planRegistry(t), planner, 0, nil, nil)

	plan, err := s1.Plan(context.Background(), "r1", "compare things")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Subtasks[0].ID != "t1" || plan.Subtasks[1].ID != "t2" || plan.Subtasks[2].ID != "t3" {
		t.Fatalf("ids = %s %s %s", plan.Subtasks[0].ID, plan.Subtasks[1].ID, plan.Subtasks[2].ID)
	}
	// Duplicate spellings of the same ordinal collapse to one dependency.
	deps := plan.Subtasks[2].Dependencies
	if len(deps) != 2 || deps[0] != "t1" || deps[1] != "t2" {
		t.Fatalf("deps = %v, want [t1 t2]", deps)
	}
}

func TestPlanSuggestedAgentNormalization(t *testing.T) {
	planner := &scriptedPlanner{tasks: []RawTask{
		{Description: "fetch everything", SuggestedAgent: "Market-Data-Agent"},
	}}
	s1 := NewStage1(planRegistry(t), planner, 0, nil, nil)

	plan, err := s1.Plan(context.Background(), "r1", "fetch everything")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Subtasks[0].AgentID != "market_data_agent" {
		t.Fatalf("agent = %q", plan.Subtasks[0].AgentID)
	}
}

func TestPlanKeywordMapping(t *testing.T) {
	planner := &scriptedPlanner{tasks: []RawTask{
		{Description: "probability of a rate cut per prediction markets"},
		{Description: "summarize the findings"},
	}}
	s1 := NewStage1(planRegistry(t), planner, 0, nil, nil)

	plan, err := s1.Plan(context.Background(), "r1", "rate cut outlook")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Subtasks[0].AgentID != "prediction_market_agent" {
		t.Fatalf("t1 agent = %q", plan.Subtasks[0].AgentID)
	}
	if plan.Subtasks[1].Mappable {
		t.Fatalf("t2 should be unmappable, got agent %q", plan.Subtasks[1].AgentID)
	}
	if plan.UnmappableCount() != 1 {
		t.Fatalf("unmappable = %d, want 1", plan.UnmappableCount())
	}
}

func TestPlanTieBreaksByRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"first_agent", "second_agent"} {
		spec := AgentSpec{ID: id, Keywords: []string{"shared"}}
		if err := reg.Register(spec, nil); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	planner := &scriptedPlanner{tasks: []RawTask{{Description: "a shared concern"}}}
	s1 := NewStage1(reg, planner, 0, nil, nil)

	plan, err := s1.Plan(context.Background(), "r1", "a shared concern")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Subtasks[0].AgentID != "first_agent" {
		t.Fatalf("agent = %q, want first registered", plan.Subtasks[0].AgentID)
	}
}

func TestPlanEmptyDecomposition(t *testing.T) {
	planner := &scriptedPlanner{tasks: nil}
	s1 := NewStage1(planRegistry(t), planner, 0, nil, nil)

	_, err := s1.Plan(context.Background(), "r1", "anything")
	var invalid *InvalidPlanError
	if !errors.As(err, &invalid) || invalid.Reason != "empty plan" {
		t.Fatalf("err = %v, want empty plan", err)
	}
}

func TestPlanPassesBudgetToPlanner(t *testing.T) {
	planner := &scriptedPlanner{tasks: []RawTask{{Description: "one task about prices"}}}
	s1 := NewStage1(planRegistry(t), planner, 0, nil, nil)

	if _, err := s1.Plan(context.Background(), "r1", "prices"); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if planner.gotMaxTasks != DefaultMaxSubtasks {
		t.Fatalf("maxSubtasks = %d, want %d", planner.gotMaxTasks, DefaultMaxSubtasks)
	}
	if planner.gotAgents != 2 {
		t.Fatalf("agents = %d, want 2", planner.gotAgents)
	}
}
