package metrics

import (
	"context"
	"log"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	otelMetricsOnce       sync.Once
	otelRegistrationError error
)

// InitOTelMetrics initializes OpenTelemetry metrics for invocation counts.
// It registers an observable gauge that reports cumulative totals from SQLite.
// This should be called after observability.Init() has been called.
func InitOTelMetrics() error {
	otelMetricsOnce.Do(func() {
		meter := otel.Meter("slackrag/metrics")

		_, err := meter.Int64ObservableGauge(
			"slackrag.invocations.total",
			metric.WithDescription("Cumulative total invocations by mode (sync, index, query, digest, serve)"),
			metric.WithUnit("{invocations}"),
			metric.WithInt64Callback(invocationCallback),
		)
		if err != nil {
			log.Printf("metrics: failed to create invocation gauge: %v", err)
			otelRegistrationError = err
			return
		}
	})
	return otelRegistrationError
}

// invocationCallback is called by the OTel SDK to collect current metric values.
// It reads cumulative totals from SQLite and reports them as gauge values.
func invocationCallback(_ context.Context, observer metric.Int64Observer) error {
	stats := GetStats()
	if stats == nil {
		// Store not initialized, report zeros
		for _, mode := range AllModes {
			observer.Observe(0, metric.WithAttributes(
				attribute.String("mode", string(mode)),
			))
		}
		return nil
	}

	for mode, count := range stats {
		observer.Observe(count, metric.WithAttributes(
			attribute.String("mode", string(mode)),
		))
	}

	return nil
}

// CacheStatsFunc supplies current cache hit/miss/entry counts.
type CacheStatsFunc func() (hits, misses, entries int64)

// RegisterCacheMetrics registers observable gauges reporting cache activity.
// The statsFn is polled on each metric collection.
func RegisterCacheMetrics(statsFn CacheStatsFunc) error {
	meter := otel.Meter("slackrag/metrics")

	_, err := meter.Int64ObservableGauge(
		"slackrag.cache.operations",
		metric.WithDescription("Cache hit and miss counts for the current process"),
		metric.WithUnit("{operations}"),
		metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
			hits, misses, entries := statsFn()
			observer.Observe(hits, metric.WithAttributes(attribute.String("result", "hit")))
			observer.Observe(misses, metric.WithAttributes(attribute.String("result", "miss")))
			observer.Observe(entries, metric.WithAttributes(attribute.String("result", "entries")))
			return nil
		}),
	)
	if err != nil {
		log.Printf("metrics: failed to create cache gauge: %v", err)
		return err
	}
	return nil
}

// ResetOTelForTesting resets the OTel initialization state for testing purposes.
// This should only be used in tests.
func ResetOTelForTesting() {
	otelMetricsOnce = sync.Once{}
	otelRegistrationError = nil
}
