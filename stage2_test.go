package conductor

import (
	"context"
	"reflect"
	"testing"
)

func enrichRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()

	market := AgentSpec{
		ID:        "market_data_agent",
		Keywords:  []string{"price", "option"},
		Tools:     []string{"market_data.query"},
		Extractor: "sql",
	}
	marketTool := ToolSpec{
		ID:      "market_data.query",
		AgentID: market.ID,
		Fields: []ToolField{
			{Name: "template", Type: FieldString, Required: true},
			{Name: "params", Type: FieldMap, Required: true},
			{Name: "limit", Type: FieldInteger},
		},
	}
	if err := reg.Register(market, nil, marketTool); err != nil {
		t.Fatalf("register market: %v", err)
	}

	pm := AgentSpec{
		ID:        "prediction_market_agent",
		Keywords:  []string{"odds", "probability"},
		Tools:     []string{"pm.search", "pm.detail"},
		Extractor: "search",
	}
	pmSearch := ToolSpec{
		ID:          "pm.search",
		AgentID:     pm.ID,
		Description: "search prediction markets by topic",
		Fields: []ToolField{
			{Name: "query", Type: FieldString, Required: true},
			{Name: "limit", Type: FieldInteger},
			{Name: "session_id", Type: FieldString},
		},
	}
	pmDetail := ToolSpec{
		ID:          "pm.detail",
		AgentID:     pm.ID,
		Description: "fetch one listing detail by identifier",
		Fields: []ToolField{
			{Name: "listing_id", Type: FieldString, Required: true},
		},
	}
	if err := reg.Register(pm, nil, pmSearch, pmDetail); err != nil {
		t.Fatalf("register pm: %v", err)
	}

	return reg
}

func newEnricher(t *testing.T, reg *Registry) *Stage2 {
	t.Helper()
	return NewStage2(reg, NewToolLoader(reg, nil), nil, nil)
}

func enrichPlan(subtasks []*Subtask, paths [][]string) *Plan {
	return &Plan{RunID: "r1", Query: "q", Subtasks: subtasks, Paths: paths}
}

func TestEnrichSingleToolAgent(t *testing.T) {
	reg := enrichRegistry(t)
	task := &Subtask{ID: "t1", Description: "Show all call options", AgentID: "market_data_agent", Mappable: true}
	plan := enrichPlan([]*Subtask{task}, [][]string{{"t1"}})

	pp, err := newEnricher(t, reg).EnrichPath(context.Background(), plan, "p1", []string{"t1"})
	if err != nil {
		t.Fatalf("EnrichPath: %v", err)
	}
	if task.ToolID != "market_data.query" {
		t.Fatalf("tool = %q", task.ToolID)
	}
	if task.Params["template"] != "by_symbol" {
		t.Fatalf("params = %v", task.Params)
	}
	if task.NeedsReview {
		t.Fatal("valid sql params flagged for review")
	}
	if len(pp.Tasks) != 1 || pp.Tasks[0] != task {
		t.Fatalf("path tasks = %v", pp.Tasks)
	}
}

func TestEnrichToolSelectionByOverlap(t *testing.T) {
	reg := enrichRegistry(t)
	task := &Subtask{ID: "t1", Description: "search prediction topic pages", AgentID: "prediction_market_agent", Mappable: true}
	plan := enrichPlan([]*Subtask{task}, [][]string{{"t1"}})

	if _, err := newEnricher(t, reg).EnrichPath(context.Background(), plan, "p1", []string{"t1"}); err != nil {
		t.Fatalf("EnrichPath: %v", err)
	}
	if task.ToolID != "pm.search" {
		t.Fatalf("tool = %q, want pm.search", task.ToolID)
	}
}

func TestEnrichNeedsReview(t *testing.T) {
	reg := NewRegistry()
	spec := AgentSpec{ID: "alpha_agent", Tools: []string{"alpha.run"}}
	tool := ToolSpec{
		ID:      "alpha.run",
		AgentID: spec.ID,
		Fields:  []ToolField{{Name: "target", Type: FieldString, Required: true}},
	}
	if err := reg.Register(spec, nil, tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	task := &Subtask{ID: "t1", Description: "do the thing", AgentID: "alpha_agent", Mappable: true}
	plan := enrichPlan([]*Subtask{task}, [][]string{{"t1"}})

	pp, err := newEnricher(t, reg).EnrichPath(context.Background(), plan, "p1", []string{"t1"})
	if err != nil {
		t.Fatalf("EnrichPath: %v", err)
	}
	// Generic extraction cannot satisfy the required "target" field. The
	// task is still enriched and executable, only flagged.
	if !task.NeedsReview {
		t.Fatal("schema violation not flagged")
	}
	if task.ToolID != "alpha.run" {
		t.Fatalf("tool = %q", task.ToolID)
	}
	if len(pp.Tasks) != 1 {
		t.Fatalf("path tasks = %d", len(pp.Tasks))
	}
}

func TestEnrichPathIsolation(t *testing.T) {
	reg := enrichRegistry(t)
	t1 := &Subtask{ID: "t1", Description: "option prices", AgentID: "market_data_agent", Mappable: true}
	t2 := &Subtask{ID: "t2", Description: "election odds", AgentID: "prediction_market_agent", Mappable: true}
	plan := enrichPlan([]*Subtask{t1, t2}, [][]string{{"t1"}, {"t2"}})

	pp, err := newEnricher(t, reg).EnrichPath(context.Background(), plan, "p1", []string{"t1"})
	if err != nil {
		t.Fatalf("EnrichPath: %v", err)
	}
	if !reflect.DeepEqual(pp.Agents, []string{"market_data_agent"}) {
		t.Fatalf("agents = %v", pp.Agents)
	}
	if !reflect.DeepEqual(pp.Tools, []string{"market_data.query"}) {
		t.Fatalf("tools = %v, want market tool only", pp.Tools)
	}
}

func TestEnrichAllSharedTaskIdempotent(t *testing.T) {
	reg := enrichRegistry(t)
	t1 := &Subtask{ID: "t1", Description: "ZN option prices", AgentID: "market_data_agent", Mappable: true}
	t2 := &Subtask{ID: "t2", Description: "highest price", AgentID: "market_data_agent", Dependencies: []string{"t1"}, Mappable: true}
	t3 := &Subtask{ID: "t3", Description: "lowest price", AgentID: "market_data_agent", Dependencies: []string{"t1"}, Mappable: true}
	plan := enrichPlan([]*Subtask{t1, t2, t3}, [][]string{{"t1", "t2"}, {"t1", "t3"}})

	pps, err := newEnricher(t, reg).EnrichAll(context.Background(), plan)
	if err != nil {
		t.Fatalf("EnrichAll: %v", err)
	}
	if len(pps) != 2 || pps[0].PathID != "p1" || pps[1].PathID != "p2" {
		t.Fatalf("paths = %+v", pps)
	}

	firstParams := t1.Params
	firstTool := t1.ToolID
	// The shared task is enriched once per path; the second pass must land
	// on the same result.
	if _, err := newEnricher(t, reg).EnrichAll(context.Background(), plan); err != nil {
		t.Fatalf("EnrichAll again: %v", err)
	}
	if t1.ToolID != firstTool || !reflect.DeepEqual(t1.Params, firstParams) {
		t.Fatalf("shared task enrichment drifted: %q %v", t1.ToolID, t1.Params)
	}
}

func TestEnrichSkipsUnmappable(t *testing.T) {
	reg := enrichRegistry(t)
	t1 := &Subtask{ID: "t1", Description: "option prices", AgentID: "market_data_agent", Mappable: true}
	t2 := &Subtask{ID: "t2", Description: "summarize", Dependencies: []string{"t1"}}
	plan := enrichPlan([]*Subtask{t1, t2}, [][]string{{"t1", "t2"}})

	pp, err := newEnricher(t, reg).EnrichPath(context.Background(), plan, "p1", []string{"t1", "t2"})
	if err != nil {
		t.Fatalf("EnrichPath: %v", err)
	}
	if len(pp.Tasks) != 1 || pp.Tasks[0].ID != "t1" {
		t.Fatalf("path tasks = %v, want t1 only", pp.Tasks)
	}
	if t2.ToolID != "" {
		t.Fatalf("unmappable task got tool %q", t2.ToolID)
	}
}
