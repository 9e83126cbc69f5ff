package conductor

import (
	"strings"
	"testing"
	"time"
)

func sampleResult() *RunResult {
	avgProb := 0.55
	return &RunResult{
		RunID:  "20260102_030405_abc123",
		Query:  "compare ZN prices with rate odds",
		Answer: "Results for: compare ZN prices with rate odds",
		Stats: map[string]AgentStats{
			"market_data_agent": {
				Rows:   3,
				Fields: map[string]FieldStats{"price": {Min: 112.5, Max: 118.0, Avg: 114.5, Count: 3}},
			},
			"prediction_market_agent": {
				Rows:           2,
				AvgProbability: &avgProb,
				TotalVolume:    150,
			},
		},
		Validation: &Validation{Valid: true, CompletenessScore: 0.9, Issues: []string{"one agent timed out"}},
		Metadata: RunMetadata{
			StartedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			DurationMS:      1234,
			TotalTasks:      4,
			SuccessfulTasks: 2,
			FailedTasks:     1,
			UnmappableTasks: 1,
			SkippedUpstream: 1,
			AgentsUsed:      []string{"market_data_agent", "prediction_market_agent"},
			Paths:           2,
		},
		PlanningTable: []PlanRow{
			{TaskID: "t1", AgentID: "market_data_agent", DependencyPath: []string{"t1"}, Tools: []string{"market_data.query"}},
			{TaskID: "t2", DependencyPath: []string{"t2"}},
		},
	}
}

func TestReportMarkdown(t *testing.T) {
	md := ReportMarkdown(sampleResult())

	for _, want := range []string{
		"# Run 20260102_030405_abc123",
		"**Query:** compare ZN prices with rate odds",
		"## Answer",
		"| market_data_agent | 3 | price 112.5 to 118 |",
		"avg probability 55.0%, volume 150",
		"| t1 | market_data_agent | t1 | market_data.query |",
		"| t2 | (unmapped) |",
		"- Tasks: 4 total, 2 successful, 1 failed (1 skipped on upstream failure), 1 unmappable",
		"- Paths: 2",
		"- Agents used: market_data_agent, prediction_market_agent",
		"- Valid: true",
		"- Issue: one agent timed out",
	} {
		if !strings.Contains(md, want) {
			t.Fatalf("report missing %q:\n%s", want, md)
		}
	}
}

func TestReportMarkdownAgentsSorted(t *testing.T) {
	md := ReportMarkdown(sampleResult())
	marketAt := strings.Index(md, "| market_data_agent |")
	pmAt := strings.Index(md, "| prediction_market_agent |")
	if marketAt < 0 || pmAt < 0 || marketAt > pmAt {
		t.Fatalf("agent rows out of order:\n%s", md)
	}
}

func TestReportHTML(t *testing.T) {
	html, err := ReportHTML(sampleResult())
	if err != nil {
		t.Fatalf("ReportHTML: %v", err)
	}
	for _, want := range []string{
		"<!DOCTYPE html>",
		"<title>Run 20260102_030405_abc123</title>",
		"<table>",
		"market_data_agent",
	} {
		if !strings.Contains(html, want) {
			t.Fatalf("html missing %q", want)
		}
	}
}
