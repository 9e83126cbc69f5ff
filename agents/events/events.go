// Package events provides the reference events agent: it fetches web pages
// about scheduled events and extracts their readable text with readability
// parsing.
package events

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/nevindra/conductor"
)

const (
	// AgentID is the registry identifier of this agent.
	AgentID = "events_agent"
	// ToolID is the single fetch tool of this agent.
	ToolID = "events.fetch"

	version    = "1.0.0"
	maxExcerpt = 4000
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

// Worker implements conductor.Worker by fetching configured event sources.
type Worker struct {
	sources []string // URLs scanned per invocation
	client  *http.Client
	logger  *slog.Logger
}

var _ conductor.Worker = (*Worker)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Worker over a fixed list of event source URLs.
func New(sources []string, opts ...Option) *Worker {
	w := &Worker{
		sources: sources,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  nopLogger,
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
		Description: "Fetches event pages (economic calendars, announcements, scheduled releases) and extracts their readable text.",
		Keywords: []string{
			"event", "events", "calendar", "announcement", "announcements",
			"scheduled", "release", "releases", "news", "happening",
		},
		InputFields: []string{"query", "date"},
		Tools:       []string{ToolID},
	}
}

// Tool returns the fetch tool descriptor.
func Tool() conductor.ToolSpec {
	return conductor.ToolSpec{
		ID:          ToolID,
		AgentID:     AgentID,
		Description: "Fetch configured event pages and return readable text excerpts, optionally filtered by date.",
		Fields: []conductor.ToolField{
			{Name: "query", Type: conductor.FieldString, Required: true},
			{Name: "date", Type: conductor.FieldString},
		},
		Effect: conductor.EffectReadsExternal,
	}
}

// ID implements conductor.Worker.
func (w *Worker) ID() string { return AgentID }

// Invoke fetches every configured source and returns one row per page. A
// single unreachable source does not fail the invocation; it is skipped
// with a warning.
func (w *Worker) Invoke(ctx context.Context, inv conductor.Invocation) (conductor.Output, error) {
	start := time.Now()
	date, _ := inv.Params["date"].(string)

	var data []any
	for _, src := range w.sources {
		if err := ctx.Err(); err != nil {
			return conductor.Output{}, err
		}
		title, text, err := w.fetch(ctx, src)
		if err != nil {
			w.logger.Warn("events: source unreachable", "url", src, "error", err)
			continue
		}
		if date != "" && !strings.Contains(text, date) {
			continue
		}
		data = append(data, map[string]any{
			"source": src,
			"title":  title,
			"text":   excerpt(text),
			"date":   date,
		})
	}

	w.logger.Debug("events: fetch ok", "task", inv.TaskID, "sources", len(w.sources), "rows", len(data), "duration", time.Since(start))
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

// fetch downloads a URL and extracts readable text.
func (w *Worker) fetch(ctx context.Context, rawURL string) (title, text string, err error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ConductorBot/1.0)")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", "", fmt.Errorf("read error: %w", err)
	}

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return "", "", fmt.Errorf("readability: %w", err)
	}
	return article.Title, strings.TrimSpace(article.TextContent), nil
}

func excerpt(s string) string {
	if len(s) <= maxExcerpt {
		return s
	}
	return s[:maxExcerpt] + "\n... (truncated)"
}
