package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Metrics struct {
	FaultResolveMetric metric.Int64Histogram
	PageFillsMetric    metric.Int64Counter
	PageEvictsMetric   metric.Int64Counter
	BulkEvictsMetric   metric.Int64Counter
	RegionsMetric      metric.Int64UpDownCounter
}

func NewMetrics(meterProvider metric.MeterProvider) (Metrics, error) {
	meter := meterProvider.Meter("internal.virtualmem.metrics")

	resolve, err := meter.Int64Histogram("virtualmem.faults.resolve",
		metric.WithDescription("Time spent resolving a page fault"),
		metric.WithUnit("us"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get fault resolve metric: %w", err)
	}

	fills, err := meter.Int64Counter("virtualmem.pages.fills",
		metric.WithDescription("Total pages filled"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get page fills metric: %w", err)
	}

	evicts, err := meter.Int64Counter("virtualmem.pages.evicts",
		metric.WithDescription("Total pages evicted"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get page evicts metric: %w", err)
	}

	bulkEvicts, err := meter.Int64Counter("virtualmem.regions.bulk_evicts",
		metric.WithDescription("Total whole-region evictions"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get bulk evicts metric: %w", err)
	}

	regions, err := meter.Int64UpDownCounter("virtualmem.regions.live",
		metric.WithDescription("Regions currently registered"),
		metric.WithUnit("{region}"),
	)
	if err != nil {
		return Metrics{}, fmt.Errorf("failed to get live regions metric: %w", err)
	}

	return Metrics{
		FaultResolveMetric: resolve,
		PageFillsMetric:    fills,
		PageEvictsMetric:   evicts,
		BulkEvictsMetric:   bulkEvicts,
		RegionsMetric:      regions,
	}, nil
}

// Noop returns metrics that record nothing.
func Noop() Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())

	return m
}

func (c Metrics) Begin(metric metric.Int64Histogram) Stopwatch {
	return Stopwatch{metric: metric, start: time.Now()}
}

func KV[T ~string](key string, value T) attribute.KeyValue {
	return attribute.String(key, string(value))
}

type Stopwatch struct {
	metric metric.Int64Histogram
	start  time.Time
}

func (t Stopwatch) End(ctx context.Context, kv ...attribute.KeyValue) {
	amount := time.Since(t.start).Microseconds()
	t.metric.Record(ctx, amount, metric.WithAttributes(kv...))
}
