// Package telemetry wires a process-wide OpenTelemetry tracer and meter
// provider: one constructor reused by the sync engine, replication queue,
// and write-ack manager for spans and gauges.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config selects where spans are exported. Endpoint == "" disables the OTLP
// exporter and spans are simply dropped after creation (a no-op span
// processor), which is the right default for tests and for nodes that run
// without a collector.
type Config struct {
	ServiceName string
	Endpoint    string // OTLP/HTTP collector endpoint, e.g. "localhost:4318"
	Insecure    bool
}

// Providers bundles the constructed tracer and meter providers plus a
// Shutdown that flushes and releases both.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// New builds tracer/meter providers per cfg and installs them as the
// process-wide otel defaults.
func New(ctx context.Context, cfg Config) (*Providers, error) {
	var spanOpts []sdktrace.TracerProviderOption
	if cfg.Endpoint != "" {
		exporterOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, exporterOpts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
		}
		spanOpts = append(spanOpts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(spanOpts...)
	mp := sdkmetric.NewMeterProvider()

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	name := cfg.ServiceName
	if name == "" {
		name = "synccore"
	}

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(name),
		Meter:          mp.Meter(name),
	}, nil
}

// Shutdown flushes and releases both providers. Safe to call on a nil
// receiver (no-op).
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown tracer provider: %w", err)
	}
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("telemetry: shutdown meter provider: %w", err)
	}
	return nil
}
