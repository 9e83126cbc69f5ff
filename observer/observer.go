// Package observer provides OTEL-based observability for conductor runs.
//
// It configures trace and metric providers with OTLP HTTP exporters and
// exposes counters and histograms for runs, tasks, and published artifacts.
// Users export to any OTEL-compatible backend by setting standard OTEL env
// vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/conductor/observer"

// Instruments holds all OTEL instruments used by the engine wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Counters
	Runs           metric.Int64Counter
	TaskExecutions metric.Int64Counter
	TaskFailures   metric.Int64Counter
	Artifacts      metric.Int64Counter

	// Histograms
	RunDuration  metric.Float64Histogram
	TaskDuration metric.Float64Histogram
	RowsReturned metric.Int64Histogram
}

// Init sets up OTEL trace and metric providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("conductor")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	inst, err := newInstruments(otel.Tracer(scopeName), otel.Meter(scopeName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	runs, err := meter.Int64Counter("conductor.runs",
		metric.WithDescription("Completed run count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	taskExecutions, err := meter.Int64Counter("conductor.task.executions",
		metric.WithDescription("Task execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	taskFailures, err := meter.Int64Counter("conductor.task.failures",
		metric.WithDescription("Task failure count, including upstream skips"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return nil, err
	}

	artifacts, err := meter.Int64Counter("conductor.artifacts",
		metric.WithDescription("Published artifact count"),
		metric.WithUnit("{artifact}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("conductor.run.duration",
		metric.WithDescription("End-to-end run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	taskDuration, err := meter.Float64Histogram("conductor.task.duration",
		metric.WithDescription("Single task duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	rowsReturned, err := meter.Int64Histogram("conductor.task.rows",
		metric.WithDescription("Rows returned per task"),
		metric.WithUnit("{row}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Runs:           runs,
		TaskExecutions: taskExecutions,
		TaskFailures:   taskFailures,
		Artifacts:      artifacts,
		RunDuration:    runDuration,
		TaskDuration:   taskDuration,
		RowsReturned:   rowsReturned,
	}, nil
}
