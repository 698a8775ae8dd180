package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/GwynCerbin/rabbitbridge/pkg/connmgr"
	"github.com/GwynCerbin/rabbitbridge/pkg/events"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]metricdata.Aggregation{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}

	return out
}

func sum(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()

	s, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "not an int64 sum: %T", data)

	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}

	return total
}

func gauge(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()

	g, ok := data.(metricdata.Gauge[int64])
	require.True(t, ok, "not an int64 gauge: %T", data)
	require.Len(t, g.DataPoints, 1)

	return g.DataPoints[0].Value
}

func TestMetricsObserve(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewMetrics(provider.Meter("rabbitbridge-test"), nil)
	require.NoError(t, err)

	m.Observe(events.Event{Kind: events.StateChanged, From: connmgr.Disconnected, To: connmgr.Connecting})
	m.Observe(events.Event{Kind: events.StateChanged, From: connmgr.Connecting, To: connmgr.Connected})
	m.Observe(events.Event{Kind: events.OutboundFailed, RoutingKey: "orders", Err: errors.New("x")})
	m.Observe(events.Event{Kind: events.MalformedDelivery, Queue: "orders"})
	m.Observe(events.Event{Kind: events.QueueDepth, PendingOutbound: 7, InboundUnacked: 3})

	got := collect(t, reader)

	assert.Equal(t, int64(2), sum(t, got["bridge.state.transitions"]))
	assert.Equal(t, int64(1), sum(t, got["bridge.outbound.failed"]))
	assert.Equal(t, int64(1), sum(t, got["bridge.inbound.malformed"]))
	assert.Equal(t, int64(7), gauge(t, got["bridge.outbound.pending"]))
	assert.Equal(t, int64(3), gauge(t, got["bridge.inbound.unacked"]))
}

func TestMetricsReadDepthOnCollect(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	pending, unacked := 4, 2

	_, err := NewMetrics(provider.Meter("rabbitbridge-test"), func() (int, int) { return pending, unacked })
	require.NoError(t, err)

	got := collect(t, reader)
	assert.Equal(t, int64(4), gauge(t, got["bridge.outbound.pending"]))
	assert.Equal(t, int64(2), gauge(t, got["bridge.inbound.unacked"]))

	pending, unacked = 0, 9

	got = collect(t, reader)
	assert.Equal(t, int64(0), gauge(t, got["bridge.outbound.pending"]))
	assert.Equal(t, int64(9), gauge(t, got["bridge.inbound.unacked"]))
}

func TestInitProviderDisabled(t *testing.T) {
	shutdown, err := InitProvider(context.Background(), Config{ServiceName: "rabbitbridge"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "queue_depth", events.QueueDepth.String())
	assert.Equal(t, "unknown", events.Kind(0).String())
}
