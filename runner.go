package conductor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Runner consolidates a finished run: it merges stored task outputs by
// agent, computes summary statistics, synthesizes the answer, and optionally
// asks the Planner collaborator to validate it. Consolidation never touches
// workers; it reads only what the executor persisted.
type Runner struct {
	store    TaskStore
	planner  Planner        // nil skips validation
	composer AnswerComposer // nil uses the templated answer
	logger   *slog.Logger
	tracer   Tracer
}

// NewRunner creates a consolidation runner. planner and composer may be nil.
func NewRunner(store TaskStore, planner Planner, composer AnswerComposer, logger *slog.Logger, tracer Tracer) *Runner {
	if logger == nil {
		logger = slog.New(discardHandler{})
	}
	return &Runner{store: store, planner: planner, composer: composer, logger: logger, tracer: tracer}
}

// Consolidated is the Runner's output, folded into the RunResult by the
// engine.
type Consolidated struct {
	DataByAgent map[string][]json.RawMessage
	Stats       map[string]AgentStats
	Answer      string
	Validation  *Validation
}

// Consolidate merges every stored output of the run and produces the answer.
// A validation failure is logged and dropped; the answer stands without a
// verdict rather than failing the run.
func (r *Runner) Consolidate(ctx context.Context, runID, query string) (*Consolidated, error) {
	var span Span
	if r.tracer != nil {
		ctx, span = r.tracer.Start(ctx, "runner.consolidate", StringAttr("run_id", runID))
		defer span.End()
	}

	records, err := r.store.GetAllOutputs(ctx, runID)
	if err != nil {
		return nil, &StoreError{Op: "get outputs", Err: err}
	}

	c := &Consolidated{
		DataByAgent: make(map[string][]json.RawMessage),
		Stats:       make(map[string]AgentStats),
	}
	rowsByAgent := make(map[string][]map[string]any)
	for _, rec := range records {
		var payload Output
		if err := json.Unmarshal(rec.Output, &payload); err != nil {
			r.logger.Warn("runner: undecodable output", "run_id", runID, "task", rec.TaskID, "error", err)
			continue
		}
		for _, row := range payload.Data {
			raw, err := json.Marshal(row)
			if err != nil {
				continue
			}
			c.DataByAgent[rec.AgentID] = append(c.DataByAgent[rec.AgentID], raw)
			if m, ok := row.(map[string]any); ok {
				rowsByAgent[rec.AgentID] = append(rowsByAgent[rec.AgentID], m)
			}
		}
	}
	for agent, rows := range rowsByAgent {
		c.Stats[agent] = computeStats(rows)
	}
	for agent, data := range c.DataByAgent {
		if _, ok := c.Stats[agent]; !ok {
			c.Stats[agent] = AgentStats{Rows: len(data)}
		}
	}

	c.Answer = r.compose(ctx, query, c)
	c.Validation = r.validate(ctx, runID, query, c.Answer, records)

	if span != nil {
		span.SetAttr(IntAttr("agents", len(c.DataByAgent)))
	}
	return c, nil
}

// compose produces the natural-language answer, preferring the composer
// collaborator and falling back to the deterministic template when it is
// absent or unavailable.
func (r *Runner) compose(ctx context.Context, query string, c *Consolidated) string {
	if r.composer != nil {
		answer, err := r.composer.Compose(ctx, query, c.DataByAgent, c.Stats)
		if err == nil && answer != "" {
			return answer
		}
		if err != nil {
			r.logger.Warn("runner: composer unavailable, using templated answer", "error", err)
		}
	}
	return templatedAnswer(query, c.DataByAgent, c.Stats)
}

// validate asks the Planner collaborator for a verdict on the answer.
func (r *Runner) validate(ctx context.Context, runID, query, answer string, records []OutputRecord) *Validation {
	if r.planner == nil {
		return nil
	}
	v, err := r.planner.Validate(ctx, query, answer, records)
	if err != nil {
		r.logger.Warn("runner: validation unavailable", "run_id", runID, "error", err)
		return nil
	}
	return &v
}

// templatedAnswer renders a deterministic per-agent summary when no composer
// is configured. Agents are listed alphabetically so the answer is stable.
func templatedAnswer(query string, data map[string][]json.RawMessage, stats map[string]AgentStats) string {
	if len(data) == 0 {
		return fmt.Sprintf("No data was retrieved for: %s", query)
	}
	agents := make([]string, 0, len(data))
	for a := range data {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	var b strings.Builder
	fmt.Fprintf(&b, "Results for: %s\n", query)
	for _, agent := range agents {
		s := stats[agent]
		fmt.Fprintf(&b, "- %s returned %d rows", agent, len(data[agent]))
		if s.AvgProbability != nil {
			fmt.Fprintf(&b, " (avg probability %.1f%%, total volume %.0f)", *s.AvgProbability*100, s.TotalVolume)
		} else if ps, ok := s.Fields["price"]; ok {
			fmt.Fprintf(&b, " (price %.4g to %.4g, avg %.4g)", ps.Min, ps.Max, ps.Avg)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// computeStats aggregates numeric fields across an agent's merged rows.
// Prediction-market rows, recognized by a probability field, additionally
// fill AvgProbability and TotalVolume.
func computeStats(rows []map[string]any) AgentStats {
	stats := AgentStats{Rows: len(rows), Fields: make(map[string]FieldStats)}
	sums := make(map[string]float64)
	var probSum float64
	probCount := 0

	for _, row := range rows {
		for field, v := range row {
			n, ok := asFloat(v)
			if !ok {
				continue
			}
			fs, seen := stats.Fields[field]
			if !seen || n < fs.Min {
				fs.Min = n
			}
			if !seen || n > fs.Max {
				fs.Max = n
			}
			fs.Count++
			sums[field] += n
			stats.Fields[field] = fs

			switch field {
			case "probability":
				probSum += n
				probCount++
			case "volume":
				stats.TotalVolume += n
			}
		}
	}
	for field, fs := range stats.Fields {
		fs.Avg = sums[field] / float64(fs.Count)
		stats.Fields[field] = fs
	}
	if probCount > 0 {
		avg := probSum / float64(probCount)
		stats.AvgProbability = &avg
	}
	if len(stats.Fields) == 0 {
		stats.Fields = nil
	}
	return stats
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
