// Package marketdata provides the reference market-data agent: parameterized
// SQL templates over a local market_data table. Queries never interpolate
// user text into SQL; template selection plus bound values is the whole
// surface.
package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/conductor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const (
	// AgentID is the registry identifier of this agent.
	AgentID = "market_data_agent"
	// ToolID is the single query tool of this agent.
	ToolID = "market_data.query"

	version      = "1.0.0"
	defaultLimit = 1000
	maxLimit     = 10000
)

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// Worker implements conductor.Worker over a market_data table.
type Worker struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conductor.Worker = (*Worker)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New wraps an open database handle. The caller owns the handle's lifecycle.
func New(db *sql.DB, opts ...Option) *Worker {
	w := &Worker{db: db, logger: nopLogger}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Open creates a Worker over a local SQLite file.
func Open(path string, opts ...Option) *Worker {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		panic(fmt.Sprintf("marketdata: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	return New(db, opts...)
}

// EnsureSchema creates the market_data table. Idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS market_data (
		symbol TEXT NOT NULL,
		price REAL NOT NULL,
		file_date TEXT NOT NULL,
		is_valid INTEGER NOT NULL DEFAULT 1
	)`)
	if err != nil {
		return fmt.Errorf("create market_data: %w", err)
	}
	_, _ = db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_market_data_symbol ON market_data(symbol)`)
	return nil
}

// Spec returns the agent descriptor for registration.
func Spec() conductor.AgentSpec {
	return conductor.AgentSpec{
		ID:          AgentID,
		Description: "Queries historical market data: symbols, closing prices, and trade dates. Supports call/put option filters, price ranges, and date lookups.",
		Keywords: []string{
			"price", "prices", "symbol", "symbols", "option", "options",
			"call", "put", "market data", "closing", "trading", "traded",
			"zn", "btc", "eth", "bitcoin", "ethereum", "instrument",
		},
		InputFields: []string{"template", "params", "limit", "order_by_column", "order_by_direction"},
		Tools:       []string{ToolID},
		Extractor:   "sql",
	}
}

// Tool returns the query tool descriptor.
func Tool() conductor.ToolSpec {
	return conductor.ToolSpec{
		ID:          ToolID,
		AgentID:     AgentID,
		Description: "Run a parameterized market data query by template: by_symbol, by_symbol_and_date, or custom with bound conditions. Supports limit and order by price or file_date.",
		Fields: []conductor.ToolField{
			{Name: "template", Type: conductor.FieldString, Required: true},
			{Name: "params", Type: conductor.FieldMap, Required: true},
			{Name: "limit", Type: conductor.FieldInteger},
			{Name: "order_by_column", Type: conductor.FieldString},
			{Name: "order_by_direction", Type: conductor.FieldString},
		},
		Effect: conductor.EffectReadsExternal,
	}
}

// ID implements conductor.Worker.
func (w *Worker) ID() string { return AgentID }

// Invoke runs one templated query and returns the matching rows.
func (w *Worker) Invoke(ctx context.Context, inv conductor.Invocation) (conductor.Output, error) {
	start := time.Now()
	query, args, err := buildQuery(inv.Params)
	if err != nil {
		return conductor.Output{}, err
	}
	w.logger.Debug("marketdata: query", "task", inv.TaskID, "sql", query)

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return conductor.Output{}, fmt.Errorf("marketdata: query: %w", err)
	}
	defer rows.Close()

	var data []any
	for rows.Next() {
		var symbol, fileDate string
		var price float64
		if err := rows.Scan(&symbol, &price, &fileDate); err != nil {
			return conductor.Output{}, fmt.Errorf("marketdata: scan: %w", err)
		}
		data = append(data, map[string]any{
			"symbol":    symbol,
			"price":     price,
			"file_date": fileDate,
		})
	}
	if err := rows.Err(); err != nil {
		return conductor.Output{}, fmt.Errorf("marketdata: iterate: %w", err)
	}

	w.logger.Debug("marketdata: query ok", "task", inv.TaskID, "rows", len(data), "duration", time.Since(start))
	return conductor.Output{
		Data: data,
		Metadata: conductor.OutputMetadata{
			Query:     inv.Query,
			Timestamp: conductor.Timestamp(time.Now()),
			RowCount:  len(data),
			Agent:     AgentID,
			Version:   version,
		},
	}, nil
}

// DB returns the underlying database handle, for schema setup and seeding.
func (w *Worker) DB() *sql.DB { return w.db }

// Close closes the underlying database handle.
func (w *Worker) Close() error { return w.db.Close() }

// buildQuery assembles SQL from a template name and bound parameters.
// Order columns are allow-listed; condition fragments in the custom template
// carry only ? placeholders with a separate value list.
func buildQuery(params map[string]any) (string, []any, error) {
	template, _ := params["template"].(string)
	inner, _ := params["params"].(map[string]any)

	var where string
	var args []any
	switch template {
	case "", "by_symbol":
		where = "symbol LIKE ? AND is_valid = 1"
		args = append(args, symbolPattern(inner))
	case "by_symbol_and_date":
		date, _ := inner["file_date"].(string)
		if date == "" {
			return "", nil, fmt.Errorf("marketdata: template by_symbol_and_date requires file_date")
		}
		where = "symbol LIKE ? AND file_date = ? AND is_valid = 1"
		args = append(args, symbolPattern(inner), date)
	case "custom":
		conditions, _ := inner["conditions"].(string)
		if conditions == "" {
			return "", nil, fmt.Errorf("marketdata: template custom requires conditions")
		}
		if strings.Count(conditions, "?") != len(valueList(inner)) {
			return "", nil, fmt.Errorf("marketdata: custom conditions placeholder count mismatch")
		}
		where = conditions
		args = append(args, valueList(inner)...)
	default:
		return "", nil, fmt.Errorf("marketdata: unknown template %q", template)
	}

	query := "SELECT symbol, price, file_date FROM market_data WHERE " + where

	if col, ok := params["order_by_column"].(string); ok && col != "" {
		switch col {
		case "price", "file_date", "symbol":
		default:
			return "", nil, fmt.Errorf("marketdata: order column %q not allowed", col)
		}
		dir := "ASC"
		if d, ok := params["order_by_direction"].(string); ok && strings.EqualFold(d, "DESC") {
			dir = "DESC"
		}
		query += " ORDER BY " + col + " " + dir
	}

	limit := defaultLimit
	if n, ok := asInt(params["limit"]); ok && n > 0 {
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	query += " LIMIT ?"
	args = append(args, limit)

	return query, args, nil
}

func symbolPattern(inner map[string]any) string {
	if p, ok := inner["symbol_pattern"].(string); ok && p != "" {
		return p
	}
	return "%"
}

func valueList(inner map[string]any) []any {
	if vs, ok := inner["values"].([]any); ok {
		return vs
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
