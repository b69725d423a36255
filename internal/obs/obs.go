// Package obs provides OpenTelemetry integration for the orchestrator.
// It wraps trace and metric providers with configurable exporters; when
// disabled, every operation is a no-op. Grounded on internal/otel/otel.go,
// generalized from a single generic Tracer/Meter pair to a small
// Instruments bundle purpose-built for the orchestrator's own hot paths
// (CNP rounds, contract charges, DAG execution).
package obs

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope name for orchestrator traces.
	TracerName = "apexswarm/orchestrator"
	// MeterName is the instrumentation scope name for orchestrator metrics.
	MeterName = "apexswarm/orchestrator"
)

// Config holds OTel configuration, loaded from orchconfig.Config's own
// fields by the caller rather than duplicated here.
type Config struct {
	Enabled        bool
	Exporter       string // "otlp-http", "stdout", or "none"
	Endpoint       string
	ServiceName    string
	SampleRate     float64
	MetricsEnabled bool
}

// Provider wraps OTel tracer and meter providers plus the orchestrator's
// fixed set of instruments, with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Instruments    *Instruments
	shutdown       func(context.Context) error
}

// Instruments is the orchestrator's fixed metric set: a CNP round
// counter, a contract-charge counter, and a DAG-execution duration
// histogram, as named in SPEC_FULL.md's domain stack section.
type Instruments struct {
	CnpRounds        metric.Int64Counter
	ContractCharges  metric.Int64Counter
	DagExecutions    metric.Int64Counter
	DagExecutionTime metric.Float64Histogram
}

func newInstruments(meter metric.Meter) (*Instruments, error) {
	cnpRounds, err := meter.Int64Counter("orchestrator.cnp.rounds",
		metric.WithDescription("number of Contract Net Protocol allocation rounds run"))
	if err != nil {
		return nil, err
	}
	charges, err := meter.Int64Counter("orchestrator.contract.charges",
		metric.WithDescription("number of resource contract charges applied"))
	if err != nil {
		return nil, err
	}
	dagExecs, err := meter.Int64Counter("orchestrator.dag.executions",
		metric.WithDescription("number of DAG executions started"))
	if err != nil {
		return nil, err
	}
	dagDur, err := meter.Float64Histogram("orchestrator.dag.execution_duration_seconds",
		metric.WithDescription("wall-clock duration of a DAG execution"))
	if err != nil {
		return nil, err
	}
	return &Instruments{
		CnpRounds:        cnpRounds,
		ContractCharges:  charges,
		DagExecutions:    dagExecs,
		DagExecutionTime: dagDur,
	}, nil
}

// Init sets up OpenTelemetry with the given config. Returns a Provider
// that must be Shutdown() on exit. If cfg.Enabled is false, returns a
// fully no-op provider with zero overhead.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		noopMeter := noop.NewMeterProvider()
		instruments, _ := newInstruments(noopMeter.Meter(MeterName))
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			MeterProvider: noopMeter,
			Instruments:   instruments,
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "orchestratord"
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	instruments, err := newInstruments(mp.Meter(MeterName))
	if err != nil {
		return nil, fmt.Errorf("create instruments: %w", err)
	}

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(TracerName),
		Instruments:    instruments,
		shutdown: func(ctx context.Context) error {
			tErr := tp.Shutdown(ctx)
			mErr := mp.Shutdown(ctx)
			if tErr != nil {
				return tErr
			}
			return mErr
		},
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

// noopExporter discards all spans. Used for exporter=none.
type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error {
	return nil
}
func (e *noopExporter) Shutdown(_ context.Context) error { return nil }

// RoomAttr is a small convenience for tagging spans/metrics with the
// room a piece of work belongs to.
func RoomAttr(room string) attribute.KeyValue {
	return attribute.String("orchestrator.room", room)
}
