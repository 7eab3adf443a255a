package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/collidesec/collide/internal/config"
)

// Telemetry records run-level metrics. A disabled configuration yields a
// noop implementation so call sites never branch.
type Telemetry interface {
	RecordRequest(statusCode int, duration time.Duration, success bool)
	RecordRaceDetected(severity string)
	Close() error
}

type telemetry struct {
	tracer         trace.Tracer
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
	raceCounter     metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (Telemetry, error) {
	if !cfg.Enabled {
		return &noopTelemetry{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tracer := tp.Tracer(cfg.ServiceName)
	meter := otel.Meter(cfg.ServiceName)

	requestCounter, err := meter.Int64Counter("collide.requests.total",
		metric.WithDescription("Total number of race requests dispatched"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram("collide.request.duration",
		metric.WithDescription("Race request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	raceCounter, err := meter.Int64Counter("collide.races.detected",
		metric.WithDescription("Total number of race conditions detected"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &telemetry{
		tracer:          tracer,
		meter:           meter,
		tracerProvider:  tp,
		requestCounter:  requestCounter,
		requestDuration: requestDuration,
		raceCounter:     raceCounter,
	}, nil
}

func (t *telemetry) RecordRequest(statusCode int, duration time.Duration, success bool) {
	ctx := context.Background()

	attrs := []attribute.KeyValue{
		attribute.Int("http.status_code", statusCode),
		attribute.Bool("request.success", success),
	}

	t.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	t.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

func (t *telemetry) RecordRaceDetected(severity string) {
	ctx := context.Background()

	t.raceCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict.severity", severity),
	))
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

// Noop returns a telemetry sink that records nothing.
func Noop() Telemetry {
	return &noopTelemetry{}
}

type noopTelemetry struct{}

func (n *noopTelemetry) RecordRequest(statusCode int, duration time.Duration, success bool) {}
func (n *noopTelemetry) RecordRaceDetected(severity string)                                 {}
func (n *noopTelemetry) Close() error                                                       { return nil }
