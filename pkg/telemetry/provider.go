// ABOUTME: Telemetry implementation on OpenTelemetry, using the global providers or its own stdout SDK providers
// ABOUTME: Instruments are created lazily by name and cached for reuse

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryProvider implements Telemetry with OpenTelemetry. With the
// "none" exporter it records into whatever providers are installed
// globally, which discard data when no SDK is installed. With "stdout" it
// owns its own SDK providers and flushes them on Shutdown.
type TelemetryProvider struct {
	config         Config
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         trace.Tracer
	histograms     sync.Map // name -> metric.Float64Histogram
	counters       sync.Map // name -> metric.Int64Counter
}

// Option configures New
type Option func(*options)

type options struct {
	writer io.Writer
}

// WithWriter sets where the stdout exporter writes. The default is
// os.Stderr so exported data never mixes with command output.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

// New creates a Telemetry for the given configuration. Disabled
// configurations get a no-op implementation.
func New(cfg Config, opts ...Option) (Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	o := options{writer: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	p := &TelemetryProvider{config: cfg}
	var mp metric.MeterProvider = otel.GetMeterProvider()
	var tp trace.TracerProvider = otel.GetTracerProvider()

	if cfg.Exporter == ExporterStdout {
		sdkMP, sdkTP, err := newStdoutProviders(cfg, o.writer)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporters: %w", err)
		}
		p.meterProvider, p.tracerProvider = sdkMP, sdkTP
		mp, tp = sdkMP, sdkTP
	}

	p.meter = mp.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	p.tracer = tp.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	return p, nil
}

// RecordHistogram records a value in the named histogram.
func (p *TelemetryProvider) RecordHistogram(ctx context.Context, name string, value float64, attrs ...attribute.KeyValue) {
	h, ok := p.histograms.Load(name)
	if !ok {
		created, err := p.meter.Float64Histogram(name)
		if err != nil {
			otel.Handle(err)
			return
		}
		h, _ = p.histograms.LoadOrStore(name, created)
	}
	h.(metric.Float64Histogram).Record(ctx, value, metric.WithAttributes(attrs...))
}

// RecordCounter adds value to the named counter.
func (p *TelemetryProvider) RecordCounter(ctx context.Context, name string, value int64, attrs ...attribute.KeyValue) {
	c, ok := p.counters.Load(name)
	if !ok {
		created, err := p.meter.Int64Counter(name)
		if err != nil {
			otel.Handle(err)
			return
		}
		c, _ = p.counters.LoadOrStore(name, created)
	}
	c.(metric.Int64Counter).Add(ctx, value, metric.WithAttributes(attrs...))
}

// StartSpan starts a span on the configured tracer.
func (p *TelemetryProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops providers created by New. Global providers
// are owned by whoever installed them and are left alone.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	if p.meterProvider != nil {
		errs = append(errs, p.meterProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
