package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/nevindra/conductor"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"
)

func testInstruments(t *testing.T) (*Instruments, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	inst, err := newInstruments(noop.NewTracerProvider().Tracer(scopeName), mp.Meter(scopeName))
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func counterSum(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: data = %T, want Sum[int64]", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func histogramCount(t *testing.T, rm metricdata.ResourceMetrics, name string) uint64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch h := m.Data.(type) {
			case metricdata.Histogram[float64]:
				var total uint64
				for _, dp := range h.DataPoints {
					total += dp.Count
				}
				return total
			case metricdata.Histogram[int64]:
				var total uint64
				for _, dp := range h.DataPoints {
					total += dp.Count
				}
				return total
			default:
				t.Fatalf("%s: data = %T, want Histogram", name, m.Data)
			}
		}
	}
	return 0
}

type metricWorker struct {
	id  string
	err error
}

func (w *metricWorker) ID() string { return w.id }

func (w *metricWorker) Invoke(_ context.Context, inv conductor.Invocation) (conductor.Output, error) {
	if w.err != nil {
		return conductor.Output{}, w.err
	}
	return conductor.Output{
		Data: []any{map[string]any{"price": 112.5}, map[string]any{"price": 113.0}},
		Metadata: conductor.OutputMetadata{
			Query: inv.Query, Timestamp: "2026-01-02T03:04:05Z", RowCount: 2, Agent: w.id,
		},
	}, nil
}

func TestWrapWorkerRecordsSuccess(t *testing.T) {
	inst, reader := testInstruments(t)
	w := inst.WrapWorker(&metricWorker{id: "alpha_agent"})
	if w.ID() != "alpha_agent" {
		t.Fatalf("ID = %q", w.ID())
	}

	out, err := w.Invoke(context.Background(), conductor.Invocation{TaskID: "t1", ToolID: "alpha.run", Query: "q"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(out.Data) != 2 {
		t.Fatalf("rows = %d", len(out.Data))
	}

	rm := collect(t, reader)
	if n := counterSum(t, rm, "conductor.task.executions"); n != 1 {
		t.Fatalf("executions = %d", n)
	}
	if n := counterSum(t, rm, "conductor.task.failures"); n != 0 {
		t.Fatalf("failures = %d", n)
	}
	if n := histogramCount(t, rm, "conductor.task.duration"); n != 1 {
		t.Fatalf("duration samples = %d", n)
	}
	if n := histogramCount(t, rm, "conductor.task.rows"); n != 1 {
		t.Fatalf("row samples = %d", n)
	}
}

func TestWrapWorkerRecordsFailure(t *testing.T) {
	inst, reader := testInstruments(t)
	w := inst.WrapWorker(&metricWorker{id: "alpha_agent", err: errors.New("boom")})

	if _, err := w.Invoke(context.Background(), conductor.Invocation{TaskID: "t1", ToolID: "alpha.run"}); err == nil {
		t.Fatal("worker error swallowed")
	}

	rm := collect(t, reader)
	if n := counterSum(t, rm, "conductor.task.executions"); n != 1 {
		t.Fatalf("executions = %d", n)
	}
	if n := counterSum(t, rm, "conductor.task.failures"); n != 1 {
		t.Fatalf("failures = %d", n)
	}
	if n := histogramCount(t, rm, "conductor.task.rows"); n != 0 {
		t.Fatalf("row samples = %d, want none on failure", n)
	}
}

func TestRecordRun(t *testing.T) {
	inst, reader := testInstruments(t)
	inst.RecordRun(context.Background(), &conductor.RunResult{
		RunID: "r1",
		Metadata: conductor.RunMetadata{
			DurationMS:      1200,
			TotalTasks:      4,
			SuccessfulTasks: 2,
			FailedTasks:     2,
			SkippedUpstream: 1,
		},
	})

	rm := collect(t, reader)
	if n := counterSum(t, rm, "conductor.runs"); n != 1 {
		t.Fatalf("runs = %d", n)
	}
	if n := histogramCount(t, rm, "conductor.run.duration"); n != 1 {
		t.Fatalf("duration samples = %d", n)
	}
	if n := counterSum(t, rm, "conductor.task.failures"); n != 1 {
		t.Fatalf("upstream failures = %d", n)
	}
	if n := counterSum(t, rm, "conductor.artifacts"); n != 2 {
		t.Fatalf("artifacts = %d", n)
	}
}
