package conductor

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Stage 2 parameter extraction. Each extractor is a pure function from a
// task description to a typed parameter map for the selected tool. The
// extractor is chosen by the agent's Extractor field: "sql" for SQL-style
// market data, "search" for prediction-market search, anything else gets
// the generic extractor.

type extractorFunc func(desc string) map[string]any

func extractorFor(kind string) extractorFunc {
	switch kind {
	case "sql":
		return extractSQLParams
	case "search":
		return extractSearchParams
	default:
		return extractGenericParams
	}
}

var (
	isoDateRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	betweenRe   = regexp.MustCompile(`between\s+(\d+(?:\.\d+)?)\s+and\s+(\d+(?:\.\d+)?)`)
	fromToRe    = regexp.MustCompile(`from\s+(\d+(?:\.\d+)?)\s+to\s+(\d+(?:\.\d+)?)`)
	compareRe   = regexp.MustCompile(`price\s*(>=|<=|>|<|=)\s*(\d+(?:\.\d+)?)`)
	limitRe     = regexp.MustCompile(`(?:most recent|latest|first|top)\s+(\d+)`)
	searchNumRe = regexp.MustCompile(`top\s+(\d+)|first\s+(\d+)|(\d+)\s+markets?`)
	symbolRe    = regexp.MustCompile(`\b([A-Z]{2,5})\b`)
)

const defaultSQLLimit = 1000

// extractSQLParams recognizes symbol patterns, absolute dates, numeric
// ranges, comparisons, ordering cues, and limits in a task description and
// produces parameters for a parameterized SQL template tool.
func extractSQLParams(desc string) map[string]any {
	lower := normalizeText(desc)

	params := map[string]any{
		"template":           "by_symbol",
		"params":             map[string]any{"symbol_pattern": "%"},
		"limit":              defaultSQLLimit,
		"order_by_column":    nil,
		"order_by_direction": "ASC",
	}
	inner := params["params"].(map[string]any)

	// Symbol pattern.
	switch {
	case strings.Contains(lower, "call option"):
		inner["symbol_pattern"] = "%.C"
	case strings.Contains(lower, "put option"):
		inner["symbol_pattern"] = "%.P"
	case strings.Contains(lower, "btc") || strings.Contains(lower, "bitcoin"):
		inner["symbol_pattern"] = "%BTC%"
	case strings.Contains(lower, "eth") || strings.Contains(lower, "ethereum"):
		inner["symbol_pattern"] = "%ETH%"
	case hasWord(lower, "zn"):
		inner["symbol_pattern"] = "%ZN%"
	case strings.Contains(lower, "symbol"):
		if m := symbolRe.FindStringSubmatch(strings.ToUpper(desc)); m != nil {
			inner["symbol_pattern"] = "%" + m[1] + "%"
		}
	}

	// Absolute date.
	if m := isoDateRe.FindString(desc); m != "" {
		params["template"] = "by_symbol_and_date"
		inner["file_date"] = m
	}

	// Numeric ranges and comparisons switch to the custom template with a
	// parameterized WHERE clause.
	rangeMatch := betweenRe.FindStringSubmatch(lower)
	if rangeMatch == nil {
		rangeMatch = fromToRe.FindStringSubmatch(lower)
	}
	switch {
	case rangeMatch != nil:
		lo, _ := strconv.ParseFloat(rangeMatch[1], 64)
		hi, _ := strconv.ParseFloat(rangeMatch[2], 64)
		conditions, values := symbolCondition(inner)
		conditions = append(conditions, "price BETWEEN ? AND ?")
		values = append(values, lo, hi)
		params["template"] = "custom"
		params["params"] = map[string]any{
			"conditions": strings.Join(conditions, " AND "),
			"values":     values,
		}
	case compareRe.MatchString(lower):
		m := compareRe.FindStringSubmatch(lower)
		v, _ := strconv.ParseFloat(m[2], 64)
		conditions, values := symbolCondition(inner)
		conditions = append(conditions, "price "+m[1]+" ?")
		values = append(values, v)
		params["template"] = "custom"
		params["params"] = map[string]any{
			"conditions": strings.Join(conditions, " AND "),
			"values":     values,
		}
	}

	// Ordering cues.
	direction := "ASC"
	if containsAny(lower, "descending", "desc", "latest", "most recent", "newest") {
		direction = "DESC"
	}
	var column string
	switch {
	case containsAny(lower, "date", "when", "recent", "latest", "earliest", "oldest"):
		column = "file_date"
	case containsAny(lower, "price", "highest", "lowest", "expensive", "cheap"):
		column = "price"
		if containsAny(lower, "highest", "expensive") {
			direction = "DESC"
		} else if containsAny(lower, "lowest", "cheap") {
			direction = "ASC"
		}
	case containsAny(lower, "sort", "order"):
		column = "file_date"
	}
	if column != "" {
		params["order_by_column"] = column
		params["order_by_direction"] = direction
	}

	// Limits: "top N" style first, then bare "most recent" implies 1.
	if m := limitRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		params["limit"] = n
	} else if containsAny(lower, "most recent", "latest", "first", "oldest") {
		params["limit"] = 1
	}

	return params
}

// symbolCondition seeds a WHERE clause with the symbol pattern when one was
// recognized, so range and comparison filters compose with it.
func symbolCondition(inner map[string]any) ([]string, []any) {
	pattern, _ := inner["symbol_pattern"].(string)
	if pattern == "" || pattern == "%" {
		return nil, nil
	}
	return []string{"symbol LIKE ?"}, []any{pattern}
}

// searchStopWords are trimmed from prediction-market topics along with dates
// and comparison cues; what remains is the free-text search query.
var searchStopWords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "for": true, "on": true,
	"in": true, "about": true, "show": true, "find": true, "get": true,
	"me": true, "all": true, "what": true, "which": true, "is": true,
	"are": true, "and": true, "or": true, "markets": true, "market": true,
	"top": true, "first": true, "most": true, "recent": true, "latest": true,
	"between": true, "from": true, "to": true, "search": true, "predictions": true,
	"prediction": true,
}

// extractSearchParams produces {query, limit, session_id} for a
// prediction-market search tool. The session ID is left empty; the engine
// fills in the per-run session before execution.
func extractSearchParams(desc string) map[string]any {
	lower := normalizeText(desc)

	limit := 10
	if m := searchNumRe.FindStringSubmatch(lower); m != nil {
		for _, g := range m[1:] {
			if g != "" {
				limit, _ = strconv.Atoi(g)
			}
		}
		if limit > 50 {
			limit = 50
		}
	}

	cleaned := isoDateRe.ReplaceAllString(lower, " ")
	var topic []string
	for _, w := range strings.Fields(cleaned) {
		if searchStopWords[w] {
			continue
		}
		if _, err := strconv.ParseFloat(w, 64); err == nil {
			continue
		}
		topic = append(topic, w)
	}
	query := strings.Join(topic, " ")
	if query == "" {
		query = lower
	}

	return map[string]any{
		"query":      query,
		"limit":      limit,
		"session_id": "",
	}
}

// extractGenericParams passes the description through as the query and
// attaches an ISO date when one is present.
func extractGenericParams(desc string) map[string]any {
	params := map[string]any{"query": desc}
	if m := isoDateRe.FindString(desc); m != "" {
		params["date"] = m
	}
	return params
}

// --- Schema validation ---

// validateParams checks every extracted parameter against the tool's input
// schema and reports the first violation. Stage 2 treats violations as
// non-fatal review flags.
func validateParams(tool ToolSpec, params map[string]any) error {
	for _, f := range tool.Fields {
		v, present := params[f.Name]
		if !present || v == nil {
			if f.Required {
				return &SchemaViolationError{ToolID: tool.ID, Field: f.Name, Want: f.Type, Got: nil}
			}
			continue
		}
		if !typeConforms(f.Type, v) {
			return &SchemaViolationError{ToolID: tool.ID, Field: f.Name, Want: f.Type, Got: v}
		}
	}
	return nil
}

func typeConforms(ft FieldType, v any) bool {
	switch ft {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldInteger:
		switch n := v.(type) {
		case int, int64:
			return true
		case float64:
			return n == float64(int64(n))
		}
		return false
	case FieldNumber:
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case FieldBoolean:
		_, ok := v.(bool)
		return ok
	case FieldList:
		switch v.(type) {
		case []any, []string, []float64:
			return true
		}
		return false
	case FieldMap:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

// --- Text normalization ---

// normalizeText applies NFKC normalization, lowercases, and collapses
// whitespace so keyword matching is stable across input forms.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// hasWord reports whether a normalized text contains the word with
// word-boundary semantics (punctuation counts as a boundary).
func hasWord(text, word string) bool {
	start := 0
	for {
		i := strings.Index(text[start:], word)
		if i < 0 {
			return false
		}
		i += start
		before := i == 0 || boundary(text[i-1])
		afterIdx := i + len(word)
		after := afterIdx >= len(text) || boundary(text[afterIdx])
		if before && after {
			return true
		}
		start = i + 1
	}
}

// hasPhrase matches a possibly multi-word keyword hint against a normalized
// text with boundaries on both ends.
func hasPhrase(text, phrase string) bool {
	phrase = normalizeText(phrase)
	if phrase == "" {
		return false
	}
	return hasWord(text, phrase)
}

func containsAny(text string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func boundary(b byte) bool {
	return !(b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9')
}
