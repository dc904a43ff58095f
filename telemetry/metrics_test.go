package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

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

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
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

func TestRecordLoad_ReadsTags(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := InjectTags(context.Background(), "load")
	SetCacheResult(ctx, CacheHit)

	RecordLoad(ctx, 20*time.Millisecond, nil)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "package_cache_loads_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "operation", "load"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))

	histDps := findHistogram(rm, "package_cache_load_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordLoad_RegistryAttribute(t *testing.T) {
	reader := setupTestMetrics(t)

	fetched := InjectTags(context.Background(), "load")
	SetCacheResult(fetched, CacheMiss)
	SetRegistry(fetched, "https://packages.fhir.org")
	RecordLoad(fetched, time.Millisecond, nil)

	cached := InjectTags(context.Background(), "load")
	SetCacheResult(cached, CacheHit)
	RecordLoad(cached, time.Millisecond, nil)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "package_cache_loads_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		_, hasRegistry := dp.Attributes.Value("registry")
		if hasAttr(dp.Attributes, "cache_result", "miss") {
			require.True(t, hasAttr(dp.Attributes, "registry", "https://packages.fhir.org"))
			continue
		}
		require.False(t, hasRegistry, "cache hits carry no registry")
	}
}

func TestRecordLoad_DefaultsWithoutTags(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordLoad(context.Background(), time.Millisecond, errors.New("boom"))

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "package_cache_loads_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "operation", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "error"))
}

func TestRecordInstall(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := InjectTags(context.Background(), "add")
	RecordInstall(ctx, "installed", 4096)
	RecordInstall(ctx, "discarded", 4096)
	RecordInstall(ctx, "failed", 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "package_cache_installs_total")
	require.Len(t, dps, 3)
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "operation", "add"))
	}

	// failed installs with no bytes do not record a size
	histDps := findHistogram(rm, "package_cache_install_archive_bytes")
	require.Len(t, histDps, 2)
}

func TestRecordRegistryAttempt(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordRegistryAttempt(context.Background(), "https://packages.fhir.org", "resolve", nil)
	RecordRegistryAttempt(context.Background(), "https://packages.fhir.org", "fetch", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "package_cache_registry_attempts_total")
	require.Len(t, dps, 2)

	var sawCanceled bool
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "registry", "https://packages.fhir.org"))
		if hasAttr(dp.Attributes, "step", "fetch") {
			sawCanceled = hasAttr(dp.Attributes, "outcome", "canceled")
		}
	}
	require.True(t, sawCanceled)
}

func TestRecordRemovalAndWipe(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordRemoval(context.Background(), true)
	RecordRemoval(context.Background(), false)
	RecordRemoval(context.Background(), false)
	RecordWipe(context.Background(), "version_mismatch")

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "package_cache_removals_total")
	require.Len(t, dps, 2)
	for _, dp := range dps {
		if hasAttr(dp.Attributes, "result", "absent") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "removed"))
			require.EqualValues(t, 1, dp.Value)
		}
	}

	wipes := findCounter(rm, "package_cache_wipes_total")
	require.Len(t, wipes, 1)
	require.True(t, hasAttr(wipes[0].Attributes, "reason", "version_mismatch"))
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	// Should not panic
	ctx := InjectTags(context.Background(), "load")
	RecordLoad(ctx, time.Millisecond, nil)
	RecordInstall(ctx, "installed", 1)
	RecordRegistryAttempt(ctx, "r", "fetch", nil)
	RecordUpstreamFetch(ctx, "h", time.Millisecond, 1, "success")
	RecordRemoval(ctx, true)
	RecordWipe(ctx, "clear")
}

func TestPrometheusHandler_NotFoundWhenDisabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "success", Outcome(nil))
	require.Equal(t, "canceled", Outcome(context.Canceled))
	require.Equal(t, "canceled", Outcome(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	require.Equal(t, "error", Outcome(errors.New("x")))
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{299, "2xx"},
		{301, "3xx"},
		{304, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
