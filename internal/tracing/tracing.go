// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracing bootstraps an OpenTelemetry TracerProvider for the
// daemon. Unlike the teacher's pkg/observability abstraction, components
// here call the otel API directly (otel.Tracer(name).Start(...)): a span
// per dispatch operation and per workflow step, correlated by task or
// workflow/step id, with no wrapper interface of our own.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Exporter selects where spans are sent.
type Exporter string

const (
	ExporterStdout   Exporter = "stdout"
	ExporterOTLPGRPC Exporter = "otlp-grpc"
	ExporterOTLPHTTP Exporter = "otlp-http"
	ExporterNone     Exporter = "none"
)

// Config controls the tracing bootstrap.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter
	OTLPEndpoint   string // host:port for otlp-grpc, URL for otlp-http
	SampleRatio    float64
}

// DefaultConfig returns a dev-friendly configuration: stdout exporter,
// always-sample.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "taskmeshd",
		ServiceVersion: "dev",
		Exporter:       ExporterStdout,
		SampleRatio:    1.0,
	}
}

// Shutdown flushes and releases the provider's resources.
type Shutdown func(context.Context) error

// Bootstrap constructs a TracerProvider per cfg, installs it as the global
// provider, and returns a Shutdown func to call on daemon exit. ExporterNone
// (or an empty Exporter) installs nothing, leaving the global provider as
// it was, and returns a no-op Shutdown.
func Bootstrap(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Exporter == ExporterNone || cfg.Exporter == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: build exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// BootstrapMeter installs a global OTel MeterProvider backed by the
// Prometheus exporter, so instruments created via otel.Meter(...) (only
// pkg/orchestrator creates one, alongside its promauto metrics) are scraped through the same /metrics endpoint rather than
// needing a second collector. Unlike tracing spans, this always runs
// regardless of the tracing Exporter setting — metrics are cheap to keep on.
func BootstrapMeter(serviceName string) (Shutdown, error) {
	exp, err := otelprometheus.New()
	if err != nil {
		return nil, fmt.Errorf("tracing: build prometheus metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: build meter resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exp),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case ExporterOTLPGRPC:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithInsecure()}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlptracehttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		return otlptracehttp.New(ctx, opts...)
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown tracing exporter %q", cfg.Exporter)
	}
}
