// Package observability wires OpenTelemetry tracing and metrics for the
// plugin host.
//
// Instruments:
//   - rampart.requests: requests by final action
//   - rampart.requests.active: requests between BeginRequest and completion
//   - rampart.plugin.invocation.duration: per-plugin phase latency
//   - rampart.plugin.faults: timeouts and traps by plugin and phase
//   - rampart.plugin.load_failures: plugins excluded at load
//   - rampart.decisions: phase aggregates by outcome
//   - rampart.plugin.metric: samples recorded by plugins through the bridge
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/Mindburn-Labs/rampart"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	Environment    string        `yaml:"environment"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"` // e.g. "localhost:4317" for gRPC
	SampleRate     float64       `yaml:"sample_rate"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	ExportInterval time.Duration `yaml:"export_interval"`
	Enabled        bool          `yaml:"enabled"`
	Insecure       bool          `yaml:"insecure"`
}

// DefaultConfig returns telemetry disabled, with sane values for when it is
// switched on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "rampart",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers and the host's instruments.
// The zero-cost disabled form records into no-op instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requests       metric.Int64Counter
	activeRequests metric.Int64UpDownCounter
	invocations    metric.Float64Histogram
	faults         metric.Int64Counter
	loadFailures   metric.Int64Counter
	decisions      metric.Int64Counter
	pluginSamples  metric.Float64Histogram
}

// New creates a provider exporting over OTLP/gRPC, or a no-op provider when
// config.Enabled is false.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, p.bind(metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}
	if err := p.bind(p.meterProvider, p.tracerProvider); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a provider on caller-owned providers. Shutdown is
// left to the caller.
func NewWithProviders(mp metric.MeterProvider, tp trace.TracerProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
	}
	if err := p.bind(mp, tp); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := p.config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) bind(mp metric.MeterProvider, tp trace.TracerProvider) error {
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	if p.requests, err = p.meter.Int64Counter("rampart.requests",
		metric.WithDescription("Requests by final action"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if p.activeRequests, err = p.meter.Int64UpDownCounter("rampart.requests.active",
		metric.WithDescription("Requests currently in flight"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}
	if p.invocations, err = p.meter.Float64Histogram("rampart.plugin.invocation.duration",
		metric.WithDescription("Plugin phase invocation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5),
	); err != nil {
		return err
	}
	if p.faults, err = p.meter.Int64Counter("rampart.plugin.faults",
		metric.WithDescription("Plugin invocations that timed out or trapped"),
		metric.WithUnit("{fault}"),
	); err != nil {
		return err
	}
	if p.loadFailures, err = p.meter.Int64Counter("rampart.plugin.load_failures",
		metric.WithDescription("Plugins excluded from the registry at load"),
		metric.WithUnit("{plugin}"),
	); err != nil {
		return err
	}
	if p.decisions, err = p.meter.Int64Counter("rampart.decisions",
		metric.WithDescription("Phase aggregates by outcome"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	p.pluginSamples, err = p.meter.Float64Histogram("rampart.plugin.metric",
		metric.WithDescription("Samples recorded by plugins"),
	)
	return err
}

// Shutdown flushes and stops providers created by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter { return p.meter }

// StartSpan starts a span on the provider's tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// TrackRequest marks a request in flight. The returned function records the
// final action and ends the span.
func (p *Provider) TrackRequest(ctx context.Context, requestID string) (context.Context, func(action string, err error)) {
	ctx, span := p.StartSpan(ctx, "rampart.request",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("rampart.request_id", requestID)),
	)
	p.activeRequests.Add(ctx, 1)

	return ctx, func(action string, err error) {
		p.activeRequests.Add(ctx, -1)
		p.RecordRequest(ctx, action)
		span.SetAttributes(attribute.String("rampart.action", action))
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// RecordRequest counts a completed request.
func (p *Provider) RecordRequest(ctx context.Context, action string) {
	p.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordInvocation records one plugin phase call. result is "ok" or the
// fault kind.
func (p *Provider) RecordInvocation(ctx context.Context, pluginID, phase, result string, d time.Duration) {
	p.invocations.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("plugin", pluginID),
		attribute.String("phase", phase),
		attribute.String("result", result),
	))
}

// RecordFault counts a plugin timeout or trap.
func (p *Provider) RecordFault(ctx context.Context, pluginID, phase, kind string) {
	p.faults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin", pluginID),
		attribute.String("phase", phase),
		attribute.String("kind", kind),
	))
}

// RecordLoadFailure counts a plugin excluded at load with its error code.
func (p *Provider) RecordLoadFailure(ctx context.Context, pluginID, code string) {
	p.loadFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("plugin", pluginID),
		attribute.String("code", code),
	))
}

// RecordDecision counts a phase aggregate.
func (p *Provider) RecordDecision(ctx context.Context, phase, outcome string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("phase", phase),
		attribute.String("outcome", outcome),
	))
}

// RecordPluginMetric records a plugin sample. It satisfies
// bridge.MetricSink.
func (p *Provider) RecordPluginMetric(ctx context.Context, pluginID, name string, value float64) {
	p.pluginSamples.Record(ctx, value, metric.WithAttributes(
		attribute.String("plugin", pluginID),
		attribute.String("name", name),
	))
}
