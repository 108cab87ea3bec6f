package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	cacheReadsTotal, err := meter.Int64Counter("rgms_cache_reads_total")
	require.NoError(t, err)

	cacheWritesTotal, err := meter.Int64Counter("rgms_cache_writes_total")
	require.NoError(t, err)

	sweepRunsTotal, err := meter.Int64Counter("rgms_cache_sweep_runs_total")
	require.NoError(t, err)

	sweepDeletedTotal, err := meter.Int64Counter("rgms_cache_sweep_deleted_total")
	require.NoError(t, err)

	sweepErrorsTotal, err := meter.Int64Counter("rgms_cache_sweep_errors_total")
	require.NoError(t, err)

	sweepDuration, err := meter.Float64Histogram("rgms_cache_sweep_duration_seconds")
	require.NoError(t, err)

	syncOpsTotal, err := meter.Int64Counter("rgms_cache_sync_ops_total")
	require.NoError(t, err)

	syncPendingDepth, err := meter.Int64Gauge("rgms_cache_sync_pending_depth")
	require.NoError(t, err)

	drainRunsTotal, err := meter.Int64Counter("rgms_cache_drain_runs_total")
	require.NoError(t, err)

	drainOpsTotal, err := meter.Int64Counter("rgms_cache_drain_ops_total")
	require.NoError(t, err)

	drainDuration, err := meter.Float64Histogram("rgms_cache_drain_duration_seconds")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		cacheReadsTotal:   cacheReadsTotal,
		cacheWritesTotal:  cacheWritesTotal,
		sweepRunsTotal:    sweepRunsTotal,
		sweepDeletedTotal: sweepDeletedTotal,
		sweepErrorsTotal:  sweepErrorsTotal,
		sweepDuration:     sweepDuration,
		syncOpsTotal:      syncOpsTotal,
		syncPendingDepth:  syncPendingDepth,
		drainRunsTotal:    drainRunsTotal,
		drainOpsTotal:     drainOpsTotal,
		drainDuration:     drainDuration,
		meterProvider:     mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordRead(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordRead(ctx, "analytics", "hit")
	RecordRead(ctx, "analytics", "hit")
	RecordRead(ctx, "analytics", "stale")

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "rgms_cache_reads_total")
	require.Len(t, points, 2)

	for _, dp := range points {
		require.True(t, hasAttr(dp.Attributes, "namespace", "analytics"))
		if hasAttr(dp.Attributes, "result", "hit") {
			assert.Equal(t, int64(2), dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "stale"))
			assert.Equal(t, int64(1), dp.Value)
		}
	}
}

func TestRecordWrite(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordWrite(ctx, "cadets", "collection")
	RecordWrite(ctx, "analytics", "singleton")

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "rgms_cache_writes_total")
	require.Len(t, points, 2)
}

func TestRecordSweep(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSweep(ctx, 7, 1, 120*time.Millisecond)

	rm := collectMetrics(t, reader)

	runs := findCounter(rm, "rgms_cache_sweep_runs_total")
	require.Len(t, runs, 1)
	assert.Equal(t, int64(1), runs[0].Value)

	deleted := findCounter(rm, "rgms_cache_sweep_deleted_total")
	require.Len(t, deleted, 1)
	assert.Equal(t, int64(7), deleted[0].Value)

	errs := findCounter(rm, "rgms_cache_sweep_errors_total")
	require.Len(t, errs, 1)
	assert.Equal(t, int64(1), errs[0].Value)
}

func TestRecordDrain(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordDrain(ctx, 3, 2, 50*time.Millisecond)

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "rgms_cache_drain_ops_total")
	require.Len(t, points, 2)

	for _, dp := range points {
		if hasAttr(dp.Attributes, "outcome", "completed") {
			assert.Equal(t, int64(3), dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "outcome", "failed"))
			assert.Equal(t, int64(2), dp.Value)
		}
	}
}

func TestRecordHelpersNoopWhenUninitialized(t *testing.T) {
	require.Nil(t, globalMetrics)

	ctx := context.Background()
	RecordRead(ctx, "analytics", "hit")
	RecordWrite(ctx, "cadets", "collection")
	RecordSweep(ctx, 1, 0, time.Millisecond)
	RecordSyncOp(ctx, "enqueued")
	RecordSyncDepth(ctx, 4)
	RecordDrain(ctx, 1, 0, time.Millisecond)
}

func TestPrometheusHandlerWhenDisabled(t *testing.T) {
	require.Nil(t, globalMetrics)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
