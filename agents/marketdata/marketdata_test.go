package marketdata

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nevindra/conductor"
)

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	w := Open(filepath.Join(t.TempDir(), "market_data.db"))
	t.Cleanup(func() { w.Close() })
	if err := EnsureSchema(context.Background(), w.DB()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return w
}

func seed(t *testing.T, w *Worker, rows [][3]any) {
	t.Helper()
	for _, r := range rows {
		_, err := w.DB().Exec(`INSERT INTO market_data (symbol, price, file_date) VALUES (?, ?, ?)`, r[0], r[1], r[2])
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func invoke(t *testing.T, w *Worker, params map[string]any) conductor.Output {
	t.Helper()
	out, err := w.Invoke(context.Background(), conductor.Invocation{
		RunID: "r1", TaskID: "t1", ToolID: ToolID, Query: "q", Params: params,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	return out
}

func TestInvokeBySymbol(t *testing.T) {
	w := newTestWorker(t)
	seed(t, w, [][3]any{
		{"ZN.C", 112.5, "2026-01-02"},
		{"ZN.P", 111.0, "2026-01-02"},
		{"ES.C", 4800.0, "2026-01-02"},
	})

	out := invoke(t, w, map[string]any{
		"template": "by_symbol",
		"params":   map[string]any{"symbol_pattern": "%.C"},
	})
	if out.Metadata.RowCount != 2 || len(out.Data) != 2 {
		t.Fatalf("rows = %d", len(out.Data))
	}
	for _, row := range out.Data {
		m := row.(map[string]any)
		if !strings.HasSuffix(m["symbol"].(string), ".C") {
			t.Fatalf("row = %v", m)
		}
	}
	if out.Metadata.Agent != AgentID || out.Metadata.Query != "q" {
		t.Fatalf("metadata = %+v", out.Metadata)
	}
}

func TestInvokeSkipsInvalidRows(t *testing.T) {
	w := newTestWorker(t)
	seed(t, w, [][3]any{{"ZN.C", 112.5, "2026-01-02"}})
	if _, err := w.DB().Exec(
		`INSERT INTO market_data (symbol, price, file_date, is_valid) VALUES ('ZN.C', 1.0, '2026-01-02', 0)`,
	); err != nil {
		t.Fatalf("seed invalid: %v", err)
	}

	out := invoke(t, w, map[string]any{
		"template": "by_symbol",
		"params":   map[string]any{"symbol_pattern": "%ZN%"},
	})
	if len(out.Data) != 1 {
		t.Fatalf("rows = %d, want invalid row filtered", len(out.Data))
	}
}

func TestInvokeBySymbolAndDate(t *testing.T) {
	w := newTestWorker(t)
	seed(t, w, [][3]any{
		{"ZN.C", 112.5, "2026-01-02"},
		{"ZN.C", 113.0, "2026-01-03"},
	})

	out := invoke(t, w, map[string]any{
		"template": "by_symbol_and_date",
		"params":   map[string]any{"symbol_pattern": "%ZN%", "file_date": "2026-01-03"},
	})
	if len(out.Data) != 1 {
		t.Fatalf("rows = %d", len(out.Data))
	}
	if m := out.Data[0].(map[string]any); m["price"] != 113.0 {
		t.Fatalf("row = %v", m)
	}
}

func TestInvokeCustomRangeOrdered(t *testing.T) {
	w := newTestWorker(t)
	seed(t, w, [][3]any{
		{"ZN.C", 112.6, "2026-01-02"},
		{"ZN.C", 112.8, "2026-01-05"},
		{"ZN.C", 113.5, "2026-01-03"},
	})

	out := invoke(t, w, map[string]any{
		"template": "custom",
		"params": map[string]any{
			"conditions": "symbol LIKE ? AND price BETWEEN ? AND ?",
			"values":     []any{"%ZN%", 112.5, 112.9},
		},
		"order_by_column":    "file_date",
		"order_by_direction": "DESC",
		"limit":              1,
	})
	if len(out.Data) != 1 {
		t.Fatalf("rows = %d", len(out.Data))
	}
	if m := out.Data[0].(map[string]any); m["file_date"] != "2026-01-05" {
		t.Fatalf("row = %v, want most recent in range", m)
	}
}

func TestBuildQueryValidation(t *testing.T) {
	cases := []struct {
		name   string
		params map[string]any
	}{
		{"unknown template", map[string]any{"template": "nope", "params": map[string]any{}}},
		{"date template without date", map[string]any{"template": "by_symbol_and_date", "params": map[string]any{}}},
		{"custom without conditions", map[string]any{"template": "custom", "params": map[string]any{}}},
		{"placeholder mismatch", map[string]any{
			"template": "custom",
			"params":   map[string]any{"conditions": "price > ?", "values": []any{1.0, 2.0}},
		}},
		{"order column not allowed", map[string]any{
			"template":        "by_symbol",
			"params":          map[string]any{},
			"order_by_column": "is_valid; DROP TABLE market_data",
		}},
	}
	for _, tc := range cases {
		if _, _, err := buildQuery(tc.params); err == nil {
			t.Fatalf("%s: accepted", tc.name)
		}
	}
}

func TestBuildQueryDefaults(t *testing.T) {
	query, args, err := buildQuery(map[string]any{})
	if err != nil {
		t.Fatalf("buildQuery: %v", err)
	}
	if !strings.Contains(query, "symbol LIKE ? AND is_valid = 1") {
		t.Fatalf("query = %q", query)
	}
	if !strings.HasSuffix(query, "LIMIT ?") {
		t.Fatalf("query = %q, want bound limit", query)
	}
	if len(args) != 2 || args[0] != "%" || args[1] != defaultLimit {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildQueryLimitClamp(t *testing.T) {
	_, args, err := buildQuery(map[string]any{"limit": 999999, "params": map[string]any{}})
	if err != nil {
		t.Fatalf("buildQuery: %v", err)
	}
	if args[len(args)-1] != maxLimit {
		t.Fatalf("limit = %v, want clamped to %d", args[len(args)-1], maxLimit)
	}
}

func TestSpecAndToolConsistent(t *testing.T) {
	spec := Spec()
	tool := Tool()
	if spec.ID != AgentID || tool.AgentID != AgentID {
		t.Fatalf("ids: spec=%s tool=%s", spec.ID, tool.AgentID)
	}
	if len(spec.Tools) != 1 || spec.Tools[0] != tool.ID {
		t.Fatalf("allow-list = %v", spec.Tools)
	}
	reg := conductor.NewRegistry()
	if err := reg.Register(spec, nil, tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
}
