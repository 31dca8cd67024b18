package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(provider)
	require.NoError(t, err)

	ctx := t.Context()

	m.PageFillsMetric.Add(ctx, 3)
	m.Begin(m.FaultResolveMetric).End(ctx, KV("virtualmem.kind", "trap"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]metricdata.Aggregation{}
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		found[metric.Name] = metric.Data
	}

	fills, ok := found["virtualmem.pages.fills"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, fills.DataPoints, 1)
	assert.Equal(t, int64(3), fills.DataPoints[0].Value)

	resolve, ok := found["virtualmem.faults.resolve"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, resolve.DataPoints, 1)
	assert.Equal(t, uint64(1), resolve.DataPoints[0].Count)

	kind, ok := resolve.DataPoints[0].Attributes.Value(attribute.Key("virtualmem.kind"))
	require.True(t, ok)
	assert.Equal(t, "trap", kind.AsString())
}

func TestNoop(t *testing.T) {
	t.Parallel()

	m := Noop()
	m.PageEvictsMetric.Add(t.Context(), 1)
	m.Begin(m.FaultResolveMetric).End(t.Context())
}
