// Package otelinit bootstraps the OTel tracer and meter providers used
// across the engine, dispatcher, and cluster adapters.
package otelinit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// tracerName is the single instrumentation scope every node execution
// span and every CLI-level span is recorded under; nnodes has no
// per-request service boundary to key spans off of the way the
// multi-service teacher fleet does; the workflow tree is the only unit
// worth naming.
const tracerName = "nnodes"

func endpoint() string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return e
	}
	return "localhost:4317"
}

// InitTracer configures the global tracer provider with an OTLP gRPC
// exporter for a workflow run identified by runID (falls back to
// service if runID is empty, e.g. for the nnodes-mpi sidecar where no
// run is anchored yet). The returned error is non-nil only when the
// configured endpoint is unusable outright; a live dial failure is
// logged and degrades to a no-op shutdown instead, since the gRPC
// exporter dials lazily and a bad address otherwise only surfaces as
// silently dropped spans.
func InitTracer(ctx context.Context, service, runID string) (func(context.Context) error, error) {
	ep := endpoint()
	if strings.TrimSpace(ep) == "" {
		return nil, fmt.Errorf("otelinit: OTEL_EXPORTER_OTLP_ENDPOINT is set but empty")
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(ep), otlptracegrpc.WithDialOption(dialOpts...))
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err, "endpoint", ep)
		return func(context.Context) error { return nil }, nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(service)}
	if runID != "" {
		attrs = append(attrs, attribute.String("nnodes.run_id", runID))
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	slog.Info("otel tracer initialized", "endpoint", ep, "run_id", runID)
	return tp.Shutdown, nil
}

// InitMeter configures the global meter provider with an OTLP gRPC
// exporter. Root's task-duration/retry/failure instruments are created
// against the global meter regardless of whether InitMeter has run; with
// no provider configured they're a harmless no-op, so callers that don't
// care about metrics export can skip this entirely.
func InitMeter(ctx context.Context, service string) (func(context.Context) error, error) {
	ep := endpoint()
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	exp, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(ep), otlpmetricgrpc.WithDialOption(dialOpts...))
	if err != nil {
		slog.Warn("otel metric exporter init failed", "error", err, "endpoint", ep)
		return func(context.Context) error { return nil }, nil
	}

	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	slog.Info("otel meter initialized", "endpoint", ep)
	return mp.Shutdown, nil
}

// WithSpan starts a span on the shared node-execution tracer, tagging it
// with the node name so a trace shows the workflow tree shape rather
// than an undifferentiated list of "execute" spans.
func WithSpan(ctx context.Context, name, nodeName string) (context.Context, func()) {
	tr := otel.Tracer(tracerName)
	opts := []trace.SpanStartOption(nil)
	if nodeName != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("node.name", nodeName)))
	}
	ctx, span := tr.Start(ctx, name, opts...)
	return ctx, func() { span.End() }
}

// Flush gives in-flight exporters a bounded window to drain on shutdown.
func Flush(ctx context.Context, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
