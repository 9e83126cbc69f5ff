// Package bus implements conductor.ArtifactBus on the local filesystem.
//
// Each agent gets its own directory under the bus root. Published payloads
// are numbered sequentially (000001.json, 000002.json, ...) and never
// rewritten; a per-agent meta.json manifest tracks the next sequence number.
// Every write goes through a temp file, fsync, and rename so readers never
// observe a partial artifact.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/conductor"
)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets a structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Bus implements conductor.ArtifactBus rooted at a local directory.
type Bus struct {
	root   string
	logger *slog.Logger

	mu sync.Mutex // serializes manifest read-modify-write per process
}

var _ conductor.ArtifactBus = (*Bus)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// manifest is the per-agent meta.json document.
type manifest struct {
	NextID         int    `json:"next_id"`
	TotalPublished int    `json:"total_published"`
	LastUpdated    string `json:"last_updated"`
}

// New creates a Bus rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bus: create root: %w", err)
	}
	b := &Bus{root: dir, logger: nopLogger}
	for _, o := range opts {
		o(b)
	}
	b.logger.Debug("bus: opened", "root", dir)
	return b, nil
}

// Root returns the bus root directory.
func (b *Bus) Root() string { return b.root }

// Publish validates the payload, assigns the agent's next sequence number,
// and writes the artifact atomically. The returned path is absolute and the
// file at it is never modified afterwards.
func (b *Bus) Publish(ctx context.Context, agentID string, out conductor.Output) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}
	if err := validate(out); err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	dir, err := b.agentDir(agentID)
	if err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}
	m, err := loadManifest(dir)
	if err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}

	id := m.NextID
	name := fmt.Sprintf("%06d.json", id)
	path := filepath.Join(dir, name)
	if err := writeJSONAtomic(path, out); err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}

	m.NextID = id + 1
	m.TotalPublished++
	m.LastUpdated = conductor.Timestamp(time.Now())
	if err := writeJSONAtomic(filepath.Join(dir, "meta.json"), m); err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}

	b.logger.Debug("bus: published", "agent", agentID, "artifact", name, "rows", out.Metadata.RowCount)
	return path, nil
}

// WriteJSON atomically writes an auxiliary JSON document under the agent's
// directory. Unlike Publish it takes an explicit relative path and does not
// touch the manifest; run logs and execution plans go through here.
func (b *Bus) WriteJSON(agentID, relPath string, v any) (string, error) {
	dir, err := b.agentDir(agentID)
	if err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}
	path := filepath.Join(dir, filepath.FromSlash(relPath))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &conductor.PublishError{AgentID: agentID, Err: fmt.Errorf("path %q escapes agent directory", relPath)}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}
	if err := writeJSONAtomic(path, v); err != nil {
		return "", &conductor.PublishError{AgentID: agentID, Err: err}
	}
	b.logger.Debug("bus: wrote", "agent", agentID, "path", relPath)
	return path, nil
}

// validate enforces the canonical payload shape before anything reaches
// disk. RowCount must equal len(Data); metadata must carry query, timestamp,
// and agent.
func validate(out conductor.Output) error {
	if out.Metadata.RowCount != len(out.Data) {
		return fmt.Errorf("row_count %d does not match %d data rows", out.Metadata.RowCount, len(out.Data))
	}
	if out.Metadata.Agent == "" {
		return fmt.Errorf("metadata missing agent")
	}
	if out.Metadata.Query == "" {
		return fmt.Errorf("metadata missing query")
	}
	if out.Metadata.Timestamp == "" {
		return fmt.Errorf("metadata missing timestamp")
	}
	return nil
}

func (b *Bus) agentDir(agentID string) (string, error) {
	if agentID == "" || agentID == "." || agentID == ".." || agentID != filepath.Base(agentID) {
		return "", fmt.Errorf("invalid agent id %q", agentID)
	}
	dir := filepath.Join(b.root, agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func loadManifest(dir string) (manifest, error) {
	m := manifest{NextID: 1}
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode manifest: %w", err)
	}
	if m.NextID < 1 {
		m.NextID = 1
	}
	return m, nil
}

// writeJSONAtomic writes v as indented JSON via a temp file in the target
// directory, fsyncs, and renames into place.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
