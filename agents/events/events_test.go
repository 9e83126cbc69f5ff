package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nevindra/conductor"
)

const eventPage = `<!DOCTYPE html>
<html>
<head><title>Economic Calendar</title></head>
<body>
<article>
<h1>Economic Calendar</h1>
<p>CPI release scheduled for 2026-03-12. Markets expect a moderate print
after last month's surprise. The announcement lands at 08:30 Eastern and
covers the February basket.</p>
<p>FOMC minutes follow a week later with the usual press briefing.</p>
</article>
</body>
</html>`

func eventServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(eventPage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInvokeFetchesSources(t *testing.T) {
	srv := eventServer(t)
	w := New([]string{srv.URL})

	out, err := w.Invoke(context.Background(), conductor.Invocation{
		RunID: "r1", TaskID: "t1", Query: "upcoming releases",
		Params: map[string]any{"query": "upcoming releases"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Data) != 1 || out.Metadata.RowCount != 1 {
		t.Fatalf("rows = %d", len(out.Data))
	}
	row := out.Data[0].(map[string]any)
	if row["source"] != srv.URL {
		t.Fatalf("source = %v", row["source"])
	}
	if !strings.Contains(row["text"].(string), "CPI release") {
		t.Fatalf("text = %q", row["text"])
	}
	if out.Metadata.Agent != AgentID {
		t.Fatalf("metadata = %+v", out.Metadata)
	}
}

func TestInvokeDateFilter(t *testing.T) {
	srv := eventServer(t)
	w := New([]string{srv.URL})

	out, err := w.Invoke(context.Background(), conductor.Invocation{
		Query:  "events",
		Params: map[string]any{"query": "events", "date": "2026-03-12"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Data) != 1 {
		t.Fatalf("rows = %d, want page matching date", len(out.Data))
	}

	out, err = w.Invoke(context.Background(), conductor.Invocation{
		Query:  "events",
		Params: map[string]any{"query": "events", "date": "2031-12-31"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Data) != 0 {
		t.Fatalf("rows = %d, want date-mismatched page dropped", len(out.Data))
	}
}

func TestInvokeSkipsUnreachableSource(t *testing.T) {
	srv := eventServer(t)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(bad.Close)

	w := New([]string{bad.URL, srv.URL})
	out, err := w.Invoke(context.Background(), conductor.Invocation{Query: "events"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Data) != 1 {
		t.Fatalf("rows = %d, want unreachable source skipped", len(out.Data))
	}
}

func TestInvokeNoSources(t *testing.T) {
	w := New(nil)
	out, err := w.Invoke(context.Background(), conductor.Invocation{Query: "events"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Data) != 0 || out.Metadata.RowCount != 0 {
		t.Fatalf("output = %+v", out)
	}
}

func TestExcerptTruncation(t *testing.T) {
	long := strings.Repeat("x", maxExcerpt+100)
	got := excerpt(long)
	if len(got) <= maxExcerpt {
		t.Fatalf("excerpt length = %d", len(got))
	}
	if !strings.HasSuffix(got, "(truncated)") {
		t.Fatalf("excerpt = %q...", got[len(got)-20:])
	}
}
