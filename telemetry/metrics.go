// Package telemetry provides OpenTelemetry metrics for the offline cache.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/msusndrotcunit-boop/MSU-SND-RGMS-sub004"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheReadsTotal  metric.Int64Counter
	cacheWritesTotal metric.Int64Counter

	sweepRunsTotal    metric.Int64Counter
	sweepDeletedTotal metric.Int64Counter
	sweepErrorsTotal  metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	syncOpsTotal     metric.Int64Counter
	syncPendingDepth metric.Int64Gauge
	drainRunsTotal   metric.Int64Counter
	drainOpsTotal    metric.Int64Counter
	drainDuration    metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "rgms-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	// Setup OTLP exporter if endpoint configured
	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Setup Prometheus exporter if enabled
	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	cacheReadsTotal, err := meter.Int64Counter(
		"rgms_cache_reads_total",
		metric.WithDescription("Total cache reads by namespace and freshness result"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return err
	}

	cacheWritesTotal, err := meter.Int64Counter(
		"rgms_cache_writes_total",
		metric.WithDescription("Total cache writes by namespace and kind"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return err
	}

	sweepRunsTotal, err := meter.Int64Counter(
		"rgms_cache_sweep_runs_total",
		metric.WithDescription("Total garbage collection sweeps"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"rgms_cache_sweep_deleted_total",
		metric.WithDescription("Total stale records deleted by sweeps"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	sweepErrorsTotal, err := meter.Int64Counter(
		"rgms_cache_sweep_errors_total",
		metric.WithDescription("Total per-namespace failures during sweeps"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"rgms_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of garbage collection sweeps"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	syncOpsTotal, err := meter.Int64Counter(
		"rgms_cache_sync_ops_total",
		metric.WithDescription("Total sync queue operations by action"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	syncPendingDepth, err := meter.Int64Gauge(
		"rgms_cache_sync_pending_depth",
		metric.WithDescription("Pending entries in the sync queue"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	drainRunsTotal, err := meter.Int64Counter(
		"rgms_cache_drain_runs_total",
		metric.WithDescription("Total sync queue drain passes"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	drainOpsTotal, err := meter.Int64Counter(
		"rgms_cache_drain_ops_total",
		metric.WithDescription("Total replayed operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return err
	}

	drainDuration, err := meter.Float64Histogram(
		"rgms_cache_drain_duration_seconds",
		metric.WithDescription("Duration of sync queue drain passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return err
	}

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
		promHandler:       promHandler,
	}

	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordRead records one cache read. result is the freshness classification
// label (hit, stale, miss).
func RecordRead(ctx context.Context, namespace, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("namespace", namespace),
		attribute.String("result", result),
	}
	globalMetrics.cacheReadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWrite records one cache write. kind is "collection", "singleton" or
// "clear".
func RecordWrite(ctx context.Context, namespace, kind string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("namespace", namespace),
		attribute.String("kind", kind),
	}
	globalMetrics.cacheWritesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSweep records one garbage collection sweep.
func RecordSweep(ctx context.Context, deleted, errs int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepRunsTotal.Add(ctx, 1)
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepErrorsTotal.Add(ctx, int64(errs))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordSyncOp records one sync queue operation. action is "enqueued" or
// "completed".
func RecordSyncOp(ctx context.Context, action string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("action", action))
	globalMetrics.syncOpsTotal.Add(ctx, 1, attrs)
}

// RecordSyncDepth records the current pending depth of the sync queue.
func RecordSyncDepth(ctx context.Context, pending int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncPendingDepth.Record(ctx, int64(pending))
}

// RecordDrain records one drain pass over the sync queue.
func RecordDrain(ctx context.Context, completed, failed int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.drainRunsTotal.Add(ctx, 1)
	globalMetrics.drainDuration.Record(ctx, duration.Seconds())
	globalMetrics.drainOpsTotal.Add(ctx, int64(completed),
		metric.WithAttributes(attribute.String("outcome", "completed")))
	globalMetrics.drainOpsTotal.Add(ctx, int64(failed),
		metric.WithAttributes(attribute.String("outcome", "failed")))
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
