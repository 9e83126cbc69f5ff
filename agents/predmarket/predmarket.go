// Package predmarket provides the reference prediction-market agent: a
// free-text search against a prediction-market HTTP API returning markets
// with probabilities and volumes.
package predmarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nevindra/conductor"
)

const (
	// AgentID is the registry identifier of this agent.
	AgentID = "prediction_market_agent"
	// ToolID is the single search tool of this agent.
	ToolID = "prediction_market.search"

	version      = "1.0.0"
	defaultLimit = 10
	maxLimit     = 50
)

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithHTTPClient replaces the default 15-second-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *Worker) {
		if c != nil {
			w.client = c
		}
	}
}

// Worker implements conductor.Worker against a prediction-market search API.
type Worker struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   *slog.Logger
}

var _ conductor.Worker = (*Worker)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Worker calling the search API at endpoint.
func New(endpoint, apiKey string, opts ...Option) *Worker {
	w := &Worker{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Spec returns the agent descriptor for registration.
func Spec() conductor.AgentSpec {
	return conductor.AgentSpec{
		ID:          AgentID,
		Description: "Searches prediction markets by topic and returns matching markets with probability and volume.",
		Keywords: []string{
			"prediction", "predictions", "prediction market", "probability",
			"odds", "forecast", "polymarket", "election", "outcome", "bet",
		},
		InputFields: []string{"query", "limit", "session_id"},
		Tools:       []string{ToolID},
		Extractor:   "search",
	}
}

// Tool returns the search tool descriptor.
func Tool() conductor.ToolSpec {
	return conductor.ToolSpec{
		ID:          ToolID,
		AgentID:     AgentID,
		Description: "Search prediction markets by free-text query. Returns up to limit markets with title, probability, and volume.",
		Fields: []conductor.ToolField{
			{Name: "query", Type: conductor.FieldString, Required: true},
			{Name: "limit", Type: conductor.FieldInteger},
			{Name: "session_id", Type: conductor.FieldString},
		},
		Effect: conductor.EffectReadsExternal,
	}
}

// market is the wire shape of one search hit.
type market struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Probability float64 `json:"probability"`
	Volume      float64 `json:"volume"`
	EndDate     string  `json:"end_date,omitempty"`
}

// ID implements conductor.Worker.
func (w *Worker) ID() string { return AgentID }

// Invoke performs one search call.
func (w *Worker) Invoke(ctx context.Context, inv conductor.Invocation) (conductor.Output, error) {
	start := time.Now()
	query, _ := inv.Params["query"].(string)
	if query == "" {
		query = inv.Query
	}
	limit := defaultLimit
	if n, ok := asInt(inv.Params["limit"]); ok && n > 0 {
		limit = n
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	hits, err := w.search(ctx, query, limit, inv.SessionID)
	if err != nil {
		return conductor.Output{}, err
	}

	data := make([]any, 0, len(hits))
	for _, m := range hits {
		data = append(data, map[string]any{
			"id":          m.ID,
			"title":       m.Title,
			"probability": m.Probability,
			"volume":      m.Volume,
			"end_date":    m.EndDate,
		})
	}

	w.logger.Debug("predmarket: search ok", "task", inv.TaskID, "query", query, "hits", len(hits), "duration", time.Since(start))
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

func (w *Worker) search(ctx context.Context, query string, limit int, sessionID string) ([]market, error) {
	u, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, fmt.Errorf("predmarket: endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("predmarket: request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predmarket: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("predmarket: HTTP %d from %s", resp.StatusCode, w.endpoint)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return nil, fmt.Errorf("predmarket: read: %w", err)
	}

	var payload struct {
		Markets []market `json:"markets"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("predmarket: decode: %w", err)
	}
	return payload.Markets, nil
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
