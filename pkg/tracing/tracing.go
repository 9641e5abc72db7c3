// Package tracing exports OpenTelemetry spans for runs, their phases and
// their tasks. Tracing is off unless enabled in the configuration.
package tracing

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys
const (
	RunLabel    = attribute.Key("hazardsync.run.label")
	RunID       = attribute.Key("hazardsync.run.id")
	RunTasks    = attribute.Key("hazardsync.run.tasks")
	RunBackend  = attribute.Key("hazardsync.run.backend")
	TaskName    = attribute.Key("hazardsync.task.name")
	TaskKind    = attribute.Key("hazardsync.task.kind")
	TaskOutcome = attribute.Key("hazardsync.task.outcome")
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is host:port (plain HTTP) or a full http:// or https://
	// collector URL
	OTLPEndpoint string
	// SampleRatio below 1 samples that fraction of runs; zero means all
	SampleRatio float64
	Enabled     bool
}

// Provider wraps the SDK provider. A nil *Provider is valid and traces
// nothing.
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

func exporterOptions(endpoint string) []otlptracehttp.Option {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	case strings.HasPrefix(endpoint, "http://"):
		return []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint), otlptracehttp.WithInsecure()}
	default:
		return []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
	}
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// InitTracer sets up OTLP/HTTP export. When disabled the provider hands
// out no-op spans.
func InitTracer(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{tracer: noop.NewTracerProvider().Tracer(cfg.ServiceName)}, nil
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx, exporterOptions(cfg.OTLPEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)
	return NewProvider(tp, cfg.ServiceName), nil
}

// NewProvider wraps an existing SDK provider, e.g. one with an in-memory
// exporter in tests
func NewProvider(tp *sdktrace.TracerProvider, name string) *Provider {
	return &Provider{tp: tp, tracer: tp.Tracer(name)}
}

// Shutdown flushes pending spans
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartRun opens the root span of a run
func (p *Provider) StartRun(ctx context.Context, tasks int) (context.Context, trace.Span) {
	return p.StartSpan(ctx, "run", RunTasks.Int(tasks))
}

// StartPhase opens a child span for one orchestrator phase (harvest,
// publish)
func (p *Provider) StartPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return p.StartSpan(ctx, "run."+phase)
}

// StartTask opens a child span for one task invocation
func (p *Provider) StartTask(ctx context.Context, name, kind string) (context.Context, trace.Span) {
	return p.StartSpan(ctx, "task "+name, TaskName.String(name), TaskKind.String(kind))
}

// SetError marks the span in ctx as failed
func SetError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Annotate adds attributes to the span in ctx
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
