package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordersAreNilSafe(t *testing.T) {
	saved := promMetrics
	promMetrics = nil
	defer func() { promMetrics = saved }()

	RecordRequest("GET", 200, time.Millisecond)
	RecordRateLimitDecision("NormalUser", true)
	RecordRateLimitBackendError()
	SetRateLimitCounters(3)
	RecordRateLimitSwept(2)
	SetRateLimitDegraded(true)
	RecordTenantResolution("direct")
	RecordTenantProbe("hit", time.Millisecond)
	RecordHandleConstruction(true)
	RecordHandleInvalidation()
	SetTenantHandles(1)
	RecordTenantContextFallback("resolution")
	RecordEnvelope("encrypted")

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Nil(t, PrometheusRegistry())
}

func TestPrometheusHandlerExposesCollectors(t *testing.T) {
	saved := promMetrics
	defer func() { promMetrics = saved }()

	InitPrometheus("tg_test", nil)
	RecordRateLimitDecision("ForgotPassword", false)
	RecordTenantResolution("scan")
	RecordEnvelope("bypassed")
	SetRateLimitDegraded(true)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	assert.True(t, strings.Contains(out, `tg_test_ratelimit_decisions_total{outcome="limited",policy="ForgotPassword"} 1`))
	assert.True(t, strings.Contains(out, `tg_test_tenant_resolutions_total{source="scan"} 1`))
	assert.True(t, strings.Contains(out, `tg_test_response_envelopes_total{outcome="bypassed"} 1`))
	assert.True(t, strings.Contains(out, `tg_test_ratelimit_backend_degraded 1`))
}
