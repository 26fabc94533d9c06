package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/petal-labs/flowport/importer"
)

const (
	instrumentationName = "github.com/petal-labs/flowport"

	defaultMetricInterval = 30 * time.Second
)

// Config selects where telemetry goes.
type Config struct {
	ServiceName string

	// OTLPEndpoint is an OTLP/HTTP collector, either host:port or a base
	// URL. Spans go to /v1/traces and metrics to /v1/metrics under it.
	// Empty keeps spans in process, where they still feed EnrichHandler.
	OTLPEndpoint string
	Insecure     bool

	// MetricReader collects the import metrics. Nil with an OTLPEndpoint
	// exports them every MetricInterval; nil without one leaves them unread.
	MetricReader   sdkmetric.Reader
	MetricInterval time.Duration

	// SpanExporter overrides the OTLP exporter, mainly for tests.
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the tracer and meter providers used by the import
// handlers.
type Telemetry struct {
	Tracing *TracingHandler
	Metrics *MetricsHandler

	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Setup builds the providers and handlers. Call Shutdown to flush.
func Setup(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "flowport"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("building telemetry resource: %w", err)
	}

	var target otlpTarget
	if cfg.OTLPEndpoint != "" {
		target, err = parseOTLPEndpoint(cfg.OTLPEndpoint, cfg.Insecure)
		if err != nil {
			return nil, err
		}
	}

	exporter := cfg.SpanExporter
	if exporter == nil && cfg.OTLPEndpoint != "" {
		exporter, err = otlptracehttp.New(ctx, target.traceOptions()...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
	}

	reader := cfg.MetricReader
	if reader == nil && cfg.OTLPEndpoint != "" {
		metricExporter, err := otlpmetrichttp.New(ctx, target.metricOptions()...)
		if err != nil {
			if exporter != nil {
				_ = exporter.Shutdown(ctx)
			}
			return nil, fmt.Errorf("creating OTLP metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = defaultMetricInterval
		}
		reader = sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		if cfg.SpanExporter != nil {
			tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
		} else {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if reader != nil {
		mpOpts = append(mpOpts, sdkmetric.WithReader(reader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	metrics, err := NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("creating import metrics: %w", err)
	}

	return &Telemetry{
		Tracing: NewTracingHandler(tp.Tracer(instrumentationName)),
		Metrics: metrics,
		tp:      tp,
		mp:      mp,
	}, nil
}

// Handler returns an importer.EventHandler feeding both spans and metrics.
func (t *Telemetry) Handler() importer.EventHandler {
	return importer.MultiEventHandler(t.Tracing.Handle, t.Metrics.Handle)
}

// InboxObserver returns an inbox observer on the same providers.
func (t *Telemetry) InboxObserver() (*InboxObserver, error) {
	return NewInboxObserver(t.mp.Meter(instrumentationName), t.tp.Tracer(instrumentationName))
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}

// otlpTarget is a collector address shared by the trace and metric
// exporters.
type otlpTarget struct {
	host     string
	basePath string
	insecure bool
}

// parseOTLPEndpoint accepts host:port or a URL. A URL path ending in
// /v1/traces is treated as the trace path and trimmed to its base.
func parseOTLPEndpoint(endpoint string, insecure bool) (otlpTarget, error) {
	if !strings.Contains(endpoint, "://") {
		return otlpTarget{host: endpoint, basePath: "/", insecure: insecure}, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return otlpTarget{}, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	base := strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/v1/traces")
	if base == "" {
		base = "/"
	}
	return otlpTarget{
		host:     u.Host,
		basePath: base,
		insecure: insecure || u.Scheme == "http",
	}, nil
}

func (t otlpTarget) tracePath() string  { return path.Join(t.basePath, "v1", "traces") }
func (t otlpTarget) metricPath() string { return path.Join(t.basePath, "v1", "metrics") }

func (t otlpTarget) traceOptions() []otlptracehttp.Option {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(t.host),
		otlptracehttp.WithURLPath(t.tracePath()),
	}
	if t.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts
}

func (t otlpTarget) metricOptions() []otlpmetrichttp.Option {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(t.host),
		otlpmetrichttp.WithURLPath(t.metricPath()),
	}
	if t.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return opts
}
