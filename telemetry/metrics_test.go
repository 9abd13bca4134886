package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpers_BeforeInit(t *testing.T) {
	// All record helpers must be safe no-ops before InitMetrics.
	ctx := context.Background()
	RecordPageRead(ctx, "cache", "ok")
	RecordRemoteFetch(ctx, "page", time.Millisecond, "ok")
	RecordPrefetchPage(ctx, "ok")
	RecordPrefetchJob(ctx, "partial")
	RecordEviction(ctx, "lru")
	RecordSweep(ctx, 3, time.Millisecond)
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInitMetrics(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitMetrics(ctx, MetricsConfig{
		ServiceName:      "reader-cache-test",
		EnablePrometheus: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(ctx) })

	RecordPageRead(ctx, "remote", "ok")
	RecordPageRead(ctx, "cache", "ok")
	RecordEviction(ctx, "manual")
	RecordSweep(ctx, 2, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reader_cache_page_reads_total")
}
