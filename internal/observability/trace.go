package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	otlptracegrpc "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracer builds the tracer provider and installs it globally. A disabled
// config yields a never-sampling provider so span calls stay cheap no-ops.
func InitTracer(ctx context.Context, cfg *Config) (*sdktrace.TracerProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("observability: tracer initialization requires a config")
	}

	var tp *sdktrace.TracerProvider
	if !cfg.Enabled {
		tp = sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
	} else {
		exporter, err := newTraceExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("observability: failed to create OTLP trace exporter: %w", err)
		}

		res, err := newResource(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("observability: failed to build resource information: %w", err)
		}

		tp = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(samplerFromConfig(cfg)),
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(exporter),
		)
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

func newTraceExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterProtocol {
	case defaultExporterProtocol:
		endpoint, err := signalURL(cfg.ExporterEndpoint, tracesPath)
		if err != nil {
			return nil, fmt.Errorf("invalid OTLP HTTP endpoint: %w", err)
		}
		options := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if strings.HasPrefix(endpoint, "http://") {
			options = append(options, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, options...)
	case protocolGRPC:
		target, insecure, err := grpcTarget(cfg.ExporterEndpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid OTLP gRPC endpoint: %w", err)
		}
		options := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
		if insecure {
			options = append(options, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported trace exporter protocol %q", cfg.ExporterProtocol)
	}
}

func samplerFromConfig(cfg *Config) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.TracesSampler)) {
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TracesSamplerArg))
	case "parentbased_always_on":
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.AlwaysSample()
	}
}
