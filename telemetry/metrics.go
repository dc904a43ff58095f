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
	meterName = "github.com/wolfeidau/package-cache"
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
	loadsTotal   metric.Int64Counter
	loadDuration metric.Float64Histogram

	installsTotal       metric.Int64Counter
	installArchiveBytes metric.Float64Histogram

	registryAttemptsTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	removalsTotal metric.Int64Counter
	wipesTotal    metric.Int64Counter

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
		cfg.ServiceName = "package-cache"
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
			otlpmetricgrpc.WithInsecure(),
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

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	loadsTotal, err := meter.Int64Counter(
		"package_cache_loads_total",
		metric.WithDescription("Total package loads by cache result and outcome"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, err
	}

	loadDuration, err := meter.Float64Histogram(
		"package_cache_load_duration_seconds",
		metric.WithDescription("Package load duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	installsTotal, err := meter.Int64Counter(
		"package_cache_installs_total",
		metric.WithDescription("Total package installs by outcome"),
		metric.WithUnit("{install}"),
	)
	if err != nil {
		return nil, err
	}

	installArchiveBytes, err := meter.Float64Histogram(
		"package_cache_install_archive_bytes",
		metric.WithDescription("Size of archives consumed by installs"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824),
	)
	if err != nil {
		return nil, err
	}

	registryAttemptsTotal, err := meter.Int64Counter(
		"package_cache_registry_attempts_total",
		metric.WithDescription("Total registry resolve and fetch attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, err
	}

	upstreamFetchDuration, err := meter.Float64Histogram(
		"package_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream registry requests"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	)
	if err != nil {
		return nil, err
	}

	upstreamFetchTotal, err := meter.Int64Counter(
		"package_cache_upstream_fetch_total",
		metric.WithDescription("Total number of upstream registry requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	upstreamFetchBytesTotal, err := meter.Int64Counter(
		"package_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream registries"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	removalsTotal, err := meter.Int64Counter(
		"package_cache_removals_total",
		metric.WithDescription("Total package removals by result"),
		metric.WithUnit("{removal}"),
	)
	if err != nil {
		return nil, err
	}

	wipesTotal, err := meter.Int64Counter(
		"package_cache_wipes_total",
		metric.WithDescription("Total whole-cache wipes by reason"),
		metric.WithUnit("{wipe}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		loadsTotal:              loadsTotal,
		loadDuration:            loadDuration,
		installsTotal:           installsTotal,
		installArchiveBytes:     installArchiveBytes,
		registryAttemptsTotal:   registryAttemptsTotal,
		upstreamFetchDuration:   upstreamFetchDuration,
		upstreamFetchTotal:      upstreamFetchTotal,
		upstreamFetchBytesTotal: upstreamFetchBytesTotal,
		removalsTotal:           removalsTotal,
		wipesTotal:              wipesTotal,
	}, nil
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

// RecordLoad records a completed package load. The operation and cache
// result are read from the tags carried by ctx.
func RecordLoad(ctx context.Context, duration time.Duration, err error) {
	if globalMetrics == nil {
		return
	}

	operation := "unknown"
	cacheResult := string(CacheNA)
	registry := ""
	if tags := GetTags(ctx); tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		registry = tags.Registry
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("cache_result", cacheResult),
		attribute.String("outcome", Outcome(err)),
	}
	// Only loads that went to a registry carry one.
	if registry != "" {
		attrs = append(attrs, attribute.String("registry", registry))
	}
	globalMetrics.loadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.loadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordInstall records an install attempt. outcome is "installed",
// "discarded" or "failed".
func RecordInstall(ctx context.Context, outcome string, archiveBytes int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("operation", OperationFromContext(ctx)),
		attribute.String("outcome", outcome),
	}
	globalMetrics.installsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if archiveBytes > 0 {
		globalMetrics.installArchiveBytes.Record(ctx, float64(archiveBytes), metric.WithAttributes(attrs...))
	}
}

// RecordRegistryAttempt records one resolve or fetch attempt against a
// registry. step is "resolve" or "fetch".
func RecordRegistryAttempt(ctx context.Context, registry, step string, err error) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("registry", registry),
		attribute.String("step", step),
		attribute.String("outcome", Outcome(err)),
	}
	globalMetrics.registryAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUpstreamFetch records an upstream HTTP request.
func RecordUpstreamFetch(ctx context.Context, host string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("host", host),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordRemoval records a package removal.
func RecordRemoval(ctx context.Context, removed bool) {
	if globalMetrics == nil {
		return
	}
	result := "absent"
	if removed {
		result = "removed"
	}
	globalMetrics.removalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordWipe records a whole-cache wipe. reason is "clear" or
// "version_mismatch".
func RecordWipe(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.wipesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
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

// Outcome maps an operation error to a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case isContextErr(err):
		return "canceled"
	default:
		return "error"
	}
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
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
