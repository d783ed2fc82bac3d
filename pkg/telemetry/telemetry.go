// Package telemetry owns the OpenTelemetry meter provider and the
// instruments the docks service records into.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const instrumentationName = "github.com/roboricindustries/raycon-docks"

type Config struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // e.g. "localhost:4317"; empty keeps the no-op global provider
	Insecure       bool
	Interval       time.Duration
}

// Provider wraps the SDK meter provider. Shutdown is safe on a provider
// that never exported anything.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger
}

// Setup installs an OTLP/gRPC meter provider as the global one when an
// endpoint is configured.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	const op = "telemetry.Setup"
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger.With("op", op)}
	if cfg.OTLPEndpoint == "" {
		p.logger.Info("metrics export disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.logger.Info("metrics export enabled",
		slog.String("endpoint", cfg.OTLPEndpoint),
		slog.Duration("interval", interval),
	)
	return p, nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// Meter returns the instrumentation meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// ----- Instruments -----

// Metrics is nil-safe: every recording method on a nil *Metrics is a no-op.
type Metrics struct {
	mutations     metric.Int64Counter
	storeDuration metric.Float64Histogram
	auditFailures metric.Int64Counter
	deliveries    metric.Int64Counter
	evictions     metric.Int64Counter
	connections   metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = Meter()
	}
	m := &Metrics{}
	var err error

	if m.mutations, err = meter.Int64Counter("docks.mutations.total",
		metric.WithDescription("Mutation outcomes by kind"),
		metric.WithUnit("{mutation}"),
	); err != nil {
		return nil, err
	}
	if m.storeDuration, err = meter.Float64Histogram("docks.store.duration",
		metric.WithDescription("Version store call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	); err != nil {
		return nil, err
	}
	if m.auditFailures, err = meter.Int64Counter("docks.audit.failures.total",
		metric.WithDescription("Audit records the sink rejected"),
	); err != nil {
		return nil, err
	}
	if m.deliveries, err = meter.Int64Counter("docks.broadcast.deliveries.total",
		metric.WithDescription("Notifications handed to connection queues"),
	); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter("docks.broadcast.evictions.total",
		metric.WithDescription("Connections dropped after a failed delivery"),
	); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter("docks.connections.active",
		metric.WithDescription("Registered realtime connections"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Mutation outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
	OutcomeNotFound = "not_found"
	OutcomeInvalid  = "invalid"
	OutcomeStorage  = "storage_error"
)

func (m *Metrics) RecordMutation(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordStoreDuration(ctx context.Context, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.storeDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordAuditFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.auditFailures.Add(ctx, 1)
}

func (m *Metrics) RecordDeliveries(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.Add(ctx, int64(n))
}

func (m *Metrics) RecordEviction(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) ConnectionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, 1)
}

func (m *Metrics) ConnectionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.connections.Add(ctx, -1)
}
