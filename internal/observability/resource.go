package observability

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
)

// newResource describes this process to the collector: service.name first,
// then configured attributes, then host/OS/container detection.
func newResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	attributes := []attribute.KeyValue{
		attribute.String(resourceServiceNameKey, cfg.ServiceName),
	}

	for key, value := range cfg.ResourceAttributes {
		if strings.EqualFold(key, resourceServiceNameKey) {
			continue
		}
		attributes = append(attributes, attribute.String(key, value))
	}

	return resource.New(
		ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attributes...),
	)
}
