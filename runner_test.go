package conductor

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func seedOutput(t *testing.T, store *memStore, runID, taskID, agent string, rows []any) {
	t.Helper()
	out := Output{Data: rows, Metadata: OutputMetadata{
		Query: "q", Timestamp: "2026-01-02T03:04:05Z", RowCount: len(rows), Agent: agent, Version: "test",
	}}
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	meta, _ := json.Marshal(out.Metadata)
	if err := store.StoreOutput(context.Background(), runID, taskID, agent, raw, meta); err != nil {
		t.Fatalf("store output: %v", err)
	}
}

func TestConsolidateMergesByAgent(t *testing.T) {
	store := newMemStore()
	seedOutput(t, store, "r1", "t1", "market_data_agent", []any{
		map[string]any{"symbol": "ZN", "price": 112.5},
		map[string]any{"symbol": "ZN", "price": 112.9},
	})
	seedOutput(t, store, "r1", "t2", "market_data_agent", []any{
		map[string]any{"symbol": "ZB", "price": 118.0},
	})
	seedOutput(t, store, "r1", "t3", "prediction_market_agent", []any{
		map[string]any{"title": "rate cut", "probability": 0.6, "volume": 100.0},
		map[string]any{"title": "rate hold", "probability": 0.4, "volume": 50.0},
	})

	r := NewRunner(store, nil, nil, nil, nil)
	c, err := r.Consolidate(context.Background(), "r1", "rates")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}

	if len(c.DataByAgent["market_data_agent"]) != 3 {
		t.Fatalf("market rows = %d, want 3", len(c.DataByAgent["market_data_agent"]))
	}
	if len(c.DataByAgent["prediction_market_agent"]) != 2 {
		t.Fatalf("pm rows = %d, want 2", len(c.DataByAgent["prediction_market_agent"]))
	}

	ms := c.Stats["market_data_agent"]
	ps, ok := ms.Fields["price"]
	if !ok || ps.Min != 112.5 || ps.Max != 118.0 || ps.Count != 3 {
		t.Fatalf("price stats = %+v", ps)
	}

	pm := c.Stats["prediction_market_agent"]
	if pm.AvgProbability == nil || *pm.AvgProbability != 0.5 {
		t.Fatalf("avg probability = %v", pm.AvgProbability)
	}
	if pm.TotalVolume != 150.0 {
		t.Fatalf("total volume = %v", pm.TotalVolume)
	}

	if c.Validation != nil {
		t.Fatal("validation set with nil planner")
	}
	if !strings.Contains(c.Answer, "market_data_agent returned 3 rows") {
		t.Fatalf("answer = %q", c.Answer)
	}
}

func TestConsolidateEmptyRun(t *testing.T) {
	r := NewRunner(newMemStore(), nil, nil, nil, nil)
	c, err := r.Consolidate(context.Background(), "r1", "anything at all")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if len(c.DataByAgent) != 0 {
		t.Fatalf("data = %v", c.DataByAgent)
	}
	if c.Answer != "No data was retrieved for: anything at all" {
		t.Fatalf("answer = %q", c.Answer)
	}
}

func TestConsolidateValidation(t *testing.T) {
	store := newMemStore()
	seedOutput(t, store, "r1", "t1", "alpha", []any{map[string]any{"x": 1.0}})

	r := NewRunner(store, &scriptedPlanner{}, nil, nil, nil)
	c, err := r.Consolidate(context.Background(), "r1", "q")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if c.Validation == nil || !c.Validation.Valid || c.Validation.CompletenessScore != 1 {
		t.Fatalf("validation = %+v", c.Validation)
	}
}

type fakeComposer struct {
	answer string
	err    error
}

func (c fakeComposer) Compose(context.Context, string, map[string][]json.RawMessage, map[string]AgentStats) (string, error) {
	return c.answer, c.err
}

func TestConsolidateComposer(t *testing.T) {
	store := newMemStore()
	seedOutput(t, store, "r1", "t1", "alpha", []any{map[string]any{"x": 1.0}})

	r := NewRunner(store, nil, fakeComposer{answer: "the composed answer"}, nil, nil)
	c, err := r.Consolidate(context.Background(), "r1", "q")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if c.Answer != "the composed answer" {
		t.Fatalf("answer = %q", c.Answer)
	}
}

func TestConsolidateComposerFallback(t *testing.T) {
	store := newMemStore()
	seedOutput(t, store, "r1", "t1", "alpha", []any{map[string]any{"x": 1.0}})

	r := NewRunner(store, nil, fakeComposer{err: context.DeadlineExceeded}, nil, nil)
	c, err := r.Consolidate(context.Background(), "r1", "q")
	if err != nil {
		t.Fatalf("Consolidate: %v", err)
	}
	if !strings.HasPrefix(c.Answer, "Results for: q") {
		t.Fatalf("answer = %q, want templated fallback", c.Answer)
	}
}

func TestTemplatedAnswerOrdering(t *testing.T) {
	data := map[string][]json.RawMessage{
		"zeta_agent":  {json.RawMessage(`{}`)},
		"alpha_agent": {json.RawMessage(`{}`), json.RawMessage(`{}`)},
	}
	answer := templatedAnswer("q", data, map[string]AgentStats{})
	alphaAt := strings.Index(answer, "alpha_agent")
	zetaAt := strings.Index(answer, "zeta_agent")
	if alphaAt < 0 || zetaAt < 0 || alphaAt > zetaAt {
		t.Fatalf("agents not listed alphabetically:\n%s", answer)
	}
	if !strings.Contains(answer, "alpha_agent returned 2 rows") {
		t.Fatalf("answer = %q", answer)
	}
}

func TestComputeStats(t *testing.T) {
	stats := computeStats([]map[string]any{
		{"symbol": "ZN", "price": 1.0},
		{"symbol": "ZN", "price": 3.0},
	})
	if stats.Rows != 2 {
		t.Fatalf("rows = %d", stats.Rows)
	}
	ps := stats.Fields["price"]
	if ps.Min != 1.0 || ps.Max != 3.0 || ps.Avg != 2.0 || ps.Count != 2 {
		t.Fatalf("price stats = %+v", ps)
	}
	if _, ok := stats.Fields["symbol"]; ok {
		t.Fatal("non-numeric field aggregated")
	}
	if stats.AvgProbability != nil {
		t.Fatal("probability set without probability rows")
	}
}
