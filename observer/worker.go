package observer

import (
	"context"
	"time"

	"github.com/nevindra/conductor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WrapWorker returns a Worker that records execution count, duration, row
// count, and failures around the inner worker's Invoke. The wrapper keeps
// the inner worker's ID, so it registers in its place.
func (i *Instruments) WrapWorker(w conductor.Worker) conductor.Worker {
	return &instrumentedWorker{inner: w, inst: i}
}

type instrumentedWorker struct {
	inner conductor.Worker
	inst  *Instruments
}

var _ conductor.Worker = (*instrumentedWorker)(nil)

func (w *instrumentedWorker) ID() string { return w.inner.ID() }

func (w *instrumentedWorker) Invoke(ctx context.Context, inv conductor.Invocation) (conductor.Output, error) {
	start := time.Now()
	out, err := w.inner.Invoke(ctx, inv)

	attrs := metric.WithAttributes(
		attribute.String("agent", w.inner.ID()),
		attribute.String("tool", inv.ToolID),
	)
	w.inst.TaskExecutions.Add(ctx, 1, attrs)
	w.inst.TaskDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		w.inst.TaskFailures.Add(ctx, 1, attrs)
		return out, err
	}
	w.inst.RowsReturned.Record(ctx, int64(len(out.Data)), attrs)
	return out, nil
}

// RecordRun records run-level metrics from a finished run. Upstream skips
// never reach a worker, so they are counted here; each successful task
// published exactly one artifact.
func (i *Instruments) RecordRun(ctx context.Context, res *conductor.RunResult) {
	if res == nil {
		return
	}
	i.Runs.Add(ctx, 1)
	i.RunDuration.Record(ctx, res.Metadata.DurationMS)
	if n := res.Metadata.SkippedUpstream; n > 0 {
		i.TaskFailures.Add(ctx, int64(n), metric.WithAttributes(attribute.String("cause", "upstream")))
	}
	if n := res.Metadata.SuccessfulTasks; n > 0 {
		i.Artifacts.Add(ctx, int64(n))
	}
}
