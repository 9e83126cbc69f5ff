package conductor

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// ReportMarkdown renders a run result as a markdown document: the answer,
// per-agent statistics, the planning table, and the execution accounting.
func ReportMarkdown(res *RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Run %s\n\n", res.RunID)
	fmt.Fprintf(&b, "**Query:** %s\n\n", res.Query)
	fmt.Fprintf(&b, "## Answer\n\n%s\n\n", res.Answer)

	if len(res.Stats) > 0 {
		b.WriteString("## Agents\n\n")
		b.WriteString("| Agent | Rows | Detail |\n|---|---|---|\n")
		for _, agent := range sortedKeys(res.Stats) {
			s := res.Stats[agent]
			detail := ""
			if s.AvgProbability != nil {
				detail = fmt.Sprintf("avg probability %.1f%%, volume %.0f", *s.AvgProbability*100, s.TotalVolume)
			} else if ps, ok := s.Fields["price"]; ok {
				detail = fmt.Sprintf("price %.4g to %.4g", ps.Min, ps.Max)
			}
			fmt.Fprintf(&b, "| %s | %d | %s |\n", agent, s.Rows, detail)
		}
		b.WriteString("\n")
	}

	if len(res.PlanningTable) > 0 {
		b.WriteString("## Plan\n\n")
		b.WriteString("| Task | Agent | Dependency path | Tools |\n|---|---|---|---|\n")
		for _, row := range res.PlanningTable {
			agent := row.AgentID
			if agent == "" {
				agent = "(unmapped)"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				row.TaskID, agent,
				strings.Join(row.DependencyPath, " > "),
				strings.Join(row.Tools, ", "))
		}
		b.WriteString("\n")
	}

	m := res.Metadata
	b.WriteString("## Execution\n\n")
	fmt.Fprintf(&b, "- Started: %s\n", m.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "- Duration: %.0f ms\n", m.DurationMS)
	fmt.Fprintf(&b, "- Tasks: %d total, %d successful, %d failed (%d skipped on upstream failure), %d unmappable\n",
		m.TotalTasks, m.SuccessfulTasks, m.FailedTasks, m.SkippedUpstream, m.UnmappableTasks)
	fmt.Fprintf(&b, "- Paths: %d\n", m.Paths)
	if len(m.AgentsUsed) > 0 {
		fmt.Fprintf(&b, "- Agents used: %s\n", strings.Join(m.AgentsUsed, ", "))
	}

	if res.Validation != nil {
		v := res.Validation
		b.WriteString("\n## Validation\n\n")
		fmt.Fprintf(&b, "- Valid: %t\n- Completeness: %.2f\n", v.Valid, v.CompletenessScore)
		for _, issue := range v.Issues {
			fmt.Fprintf(&b, "- Issue: %s\n", issue)
		}
	}
	return b.String()
}

var reportRenderer = goldmark.New(goldmark.WithExtensions(extension.Table))

// ReportHTML renders the run report as a standalone HTML document.
func ReportHTML(res *RunResult) (string, error) {
	var body bytes.Buffer
	if err := reportRenderer.Convert([]byte(ReportMarkdown(res)), &body); err != nil {
		return "", fmt.Errorf("report: render: %w", err)
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>Run %s</title>\n", res.RunID)
	b.WriteString("<style>body{font-family:sans-serif;max-width:60em;margin:2em auto;padding:0 1em}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:4px 8px;text-align:left}</style>\n")
	b.WriteString("</head>\n<body>\n")
	b.Write(body.Bytes())
	b.WriteString("</body>\n</html>\n")
	return b.String(), nil
}

func sortedKeys(m map[string]AgentStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
