// Package otel wires OpenTelemetry traces and metrics for context window
// operations. When disabled every instrument is a no-op.
package otel

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "ctxwin"
	MeterName  = "ctxwin"
	// Version is reported as a resource attribute.
	Version = "v0.1-dev"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled enables metrics alongside traces.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
	// MetricReader collects metrics when set. Otherwise a manual reader backs
	// Provider.Snapshot.
	MetricReader sdkmetric.Reader `yaml:"-"`
	// SpanWriter receives the stdout exporter's output. Defaults to stdout.
	SpanWriter io.Writer `yaml:"-"`
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider wraps OTel tracer and meter providers with cleanup.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	reader         sdkmetric.Reader
	shutdown       func(context.Context) error
}

// Init sets up OpenTelemetry with the given config.
// Returns a Provider that must be Shutdown() on exit.
// If config.Enabled is false, returns a no-op provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         noop.NewMeterProvider().Meter(MeterName),
			MeterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ctxwin"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("ctxwin.version", Version),
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
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{TracerProvider: tp, Tracer: tp.Tracer(TracerName)}
	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.metricsOn() {
		p.reader = cfg.MetricReader
		if p.reader == nil {
			p.reader = sdkmetric.NewManualReader()
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(p.reader))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	p.MeterProvider = mp
	p.Meter = mp.Meter(MeterName)
	p.shutdown = func(ctx context.Context) error {
		tErr := tp.Shutdown(ctx)
		mErr := mp.Shutdown(ctx)
		if tErr != nil {
			return tErr
		}
		return mErr
	}
	return p, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// MetricPoint is one data point of a collected instrument. Histograms
// report their observation count and sum.
type MetricPoint struct {
	Name  string
	Attrs string
	Value float64
	Count uint64
}

// Snapshot collects the current value of every ctxwin instrument, sorted
// by name then attributes. It returns nil when metrics are off.
func (p *Provider) Snapshot(ctx context.Context) ([]MetricPoint, error) {
	if p.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}
	var out []MetricPoint
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out = append(out, points(m)...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Attrs < out[j].Attrs
	})
	return out, nil
}

func points(m metricdata.Metrics) []MetricPoint {
	var out []MetricPoint
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		for _, dp := range data.DataPoints {
			out = append(out, MetricPoint{Name: m.Name, Attrs: attrString(dp.Attributes), Value: float64(dp.Value)})
		}
	case metricdata.Sum[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, MetricPoint{Name: m.Name, Attrs: attrString(dp.Attributes), Value: dp.Value})
		}
	case metricdata.Histogram[float64]:
		for _, dp := range data.DataPoints {
			out = append(out, MetricPoint{Name: m.Name, Attrs: attrString(dp.Attributes), Value: dp.Sum, Count: dp.Count})
		}
	}
	return out
}

func attrString(set attribute.Set) string {
	return set.Encoded(attribute.DefaultEncoder())
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
		w := cfg.SpanWriter
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
