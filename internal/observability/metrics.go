package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	otlpmetricgrpc "go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otlpmetrichttp "go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMeter builds the meter provider and installs it globally. A disabled
// config yields a reader-less provider that drops all measurements.
func InitMeter(ctx context.Context, cfg *Config) (*sdkmetric.MeterProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("observability: meter initialization requires a config")
	}

	var mp *sdkmetric.MeterProvider
	if !cfg.Enabled {
		mp = sdkmetric.NewMeterProvider()
	} else {
		exporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("observability: failed to create OTLP metric exporter: %w", err)
		}

		res, err := newResource(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("observability: failed to build resource information: %w", err)
		}

		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
				exporter,
				sdkmetric.WithInterval(cfg.MetricExportInterval),
			)),
		)
	}

	otel.SetMeterProvider(mp)
	return mp, nil
}

func newMetricExporter(ctx context.Context, cfg *Config) (sdkmetric.Exporter, error) {
	switch cfg.ExporterProtocol {
	case defaultExporterProtocol:
		endpoint, err := signalURL(cfg.ExporterEndpoint, metricsPath)
		if err != nil {
			return nil, fmt.Errorf("invalid OTLP HTTP endpoint: %w", err)
		}
		options := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpointURL(endpoint)}
		if strings.HasPrefix(endpoint, "http://") {
			options = append(options, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, options...)
	case protocolGRPC:
		target, insecure, err := grpcTarget(cfg.ExporterEndpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid OTLP gRPC endpoint: %w", err)
		}
		options := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
		if insecure {
			options = append(options, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, options...)
	default:
		return nil, fmt.Errorf("unsupported metric exporter protocol %q", cfg.ExporterProtocol)
	}
}
