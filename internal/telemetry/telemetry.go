// Package telemetry initializes OpenTelemetry tracing and metrics exporters
// and defines the instruments shared by the feedback evaluators.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops the tracer and meter providers.
type Shutdown func(ctx context.Context) error

const (
	traceBatchTimeout = 5 * time.Second
	metricInterval    = 15 * time.Second
)

// Init installs global OTLP/HTTP tracer and meter providers exporting to
// endpoint. With an empty endpoint it installs nothing and the global no-op
// providers stay in place, so instruments are always safe to use. The
// returned Shutdown must run during graceful shutdown to flush both.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String(version),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	tp, err := newTracerProvider(ctx, endpoint, insecure, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, endpoint, insecure, res)
	if err != nil {
		_ = tp.Shutdown(context.Background())
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	// W3C trace context lets operator API callers correlate their requests
	// with the evaluations they trigger.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newTracerProvider(ctx context.Context, endpoint string, insecure bool, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(traceBatchTimeout)),
		sdktrace.WithResource(res),
	), nil
}

func newMeterProvider(ctx context.Context, endpoint string, insecure bool, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(metricInterval))),
		sdkmetric.WithResource(res),
	), nil
}

// Meter returns the global meter for the given instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for the given instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

// EvalMetrics are the counters and histogram recorded by every evaluator
// loop. Attributes carry the run location so deferred and remote evaluators
// can share instrument names.
type EvalMetrics struct {
	attrs     metric.MeasurementOption
	claimed   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	reclaimed metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewEvalMetrics creates the evaluator instruments on the global meter
// provider. Instrument creation errors fall back to no-op instruments.
func NewEvalMetrics(runLocation string) *EvalMetrics {
	meter := Meter("hyoka/evaluator")
	m := &EvalMetrics{attrs: metric.WithAttributes(attribute.String("run_location", runLocation))}
	m.claimed, _ = meter.Int64Counter("hyoka.evaluator.claimed",
		metric.WithDescription("Feedback results claimed for evaluation"))
	m.completed, _ = meter.Int64Counter("hyoka.evaluator.completed",
		metric.WithDescription("Feedback results evaluated to DONE"))
	m.failed, _ = meter.Int64Counter("hyoka.evaluator.failed",
		metric.WithDescription("Feedback results evaluated to FAILED"))
	m.reclaimed, _ = meter.Int64Counter("hyoka.evaluator.reclaimed",
		metric.WithDescription("Stale RUNNING feedback results taken over"))
	m.duration, _ = meter.Float64Histogram("hyoka.feedback.duration",
		metric.WithDescription("Wall time of one feedback evaluation"),
		metric.WithUnit("s"))
	return m
}

// Claimed records a successful claim, and a reclaim when the row was stale.
func (m *EvalMetrics) Claimed(ctx context.Context, reclaimed bool) {
	if m == nil || m.claimed == nil {
		return
	}
	m.claimed.Add(ctx, 1, m.attrs)
	if reclaimed && m.reclaimed != nil {
		m.reclaimed.Add(ctx, 1, m.attrs)
	}
}

// Finished records the outcome and duration of one evaluation.
func (m *EvalMetrics) Finished(ctx context.Context, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	if ok && m.completed != nil {
		m.completed.Add(ctx, 1, m.attrs)
	}
	if !ok && m.failed != nil {
		m.failed.Add(ctx, 1, m.attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Seconds(), m.attrs)
	}
}
