// Package telemetry provides OpenTelemetry metrics for the reading
// cache: page reads by source, prefetch activity, evictions, and
// retention sweeps.
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
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/reader-cache"
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
	pageReadsTotal     metric.Int64Counter
	remoteFetchTotal   metric.Int64Counter
	remoteFetchSeconds metric.Float64Histogram
	prefetchPagesTotal metric.Int64Counter
	prefetchJobsTotal  metric.Int64Counter
	evictionsTotal     metric.Int64Counter
	sweepDeletedTotal  metric.Int64Counter
	sweepDuration      metric.Float64Histogram

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
		cfg.ServiceName = "reader-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

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

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	pageReadsTotal, err := meter.Int64Counter(
		"reader_cache_page_reads_total",
		metric.WithDescription("Total page reads by source and outcome"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return err
	}

	remoteFetchTotal, err := meter.Int64Counter(
		"reader_cache_remote_fetch_total",
		metric.WithDescription("Total portal fetch requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	remoteFetchSeconds, err := meter.Float64Histogram(
		"reader_cache_remote_fetch_duration_seconds",
		metric.WithDescription("Duration of portal fetch requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return err
	}

	prefetchPagesTotal, err := meter.Int64Counter(
		"reader_cache_prefetch_pages_total",
		metric.WithDescription("Total pages fetched by prefetch, by outcome"),
		metric.WithUnit("{page}"),
	)
	if err != nil {
		return err
	}

	prefetchJobsTotal, err := meter.Int64Counter(
		"reader_cache_prefetch_jobs_total",
		metric.WithDescription("Total prefetch jobs by outcome"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return err
	}

	evictionsTotal, err := meter.Int64Counter(
		"reader_cache_evictions_total",
		metric.WithDescription("Total documents evicted, by policy"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"reader_cache_sweep_deleted_total",
		metric.WithDescription("Total records deleted by retention sweeps"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"reader_cache_sweep_duration_seconds",
		metric.WithDescription("Duration of retention sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		pageReadsTotal:     pageReadsTotal,
		remoteFetchTotal:   remoteFetchTotal,
		remoteFetchSeconds: remoteFetchSeconds,
		prefetchPagesTotal: prefetchPagesTotal,
		prefetchJobsTotal:  prefetchJobsTotal,
		evictionsTotal:     evictionsTotal,
		sweepDeletedTotal:  sweepDeletedTotal,
		sweepDuration:      sweepDuration,
		meterProvider:      mp,
		promHandler:        promHandler,
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

// RecordPageRead records one page read. source is "remote" or "cache",
// outcome is "ok", "miss", or "error".
func RecordPageRead(ctx context.Context, source, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	)
	globalMetrics.pageReadsTotal.Add(ctx, 1, attrs)
}

// RecordRemoteFetch records one portal fetch.
// kind is "metadata", "page", "progress", "blob", or "resource".
func RecordRemoteFetch(ctx context.Context, kind string, duration time.Duration, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.remoteFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.remoteFetchSeconds.Record(ctx, duration.Seconds(), attrs)
}

// RecordPrefetchPage records one page attempt during prefetch.
func RecordPrefetchPage(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prefetchPagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPrefetchJob records one completed prefetch job.
// outcome is "ok", "partial", or "error".
func RecordPrefetchJob(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prefetchJobsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordEviction records one evicted document.
// policy is "lru", "manual", or "clear".
func RecordEviction(ctx context.Context, policy string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

// RecordSweep records one retention sweep cycle's deleted count and duration.
func RecordSweep(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
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
