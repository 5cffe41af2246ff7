package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTracerIsUsable(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Enabled: false}))
	assert.False(t, Enabled())

	ctx, span := StartSpan(context.Background(), "test", AttrTenantOwner.String("a@b.c"))
	SetSpanError(span, errors.New("boom"))
	span.End()
	assert.Empty(t, GetTraceID(ctx))
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon", ServiceName: "t"})
	assert.Error(t, err)
}

func TestHTTPMiddlewareRecordsTrace(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Enabled: true, Exporter: "noop", ServiceName: "t", SampleRate: 1}))
	defer func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{Enabled: false})
	}()

	var traceID string
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = GetTraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tenant/context", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, traceID)
}

func TestHTTPMiddlewareHonoursParentSampling(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{Enabled: true, Exporter: "discard", Environment: "test", SampleRate: 0}))
	defer func() {
		Shutdown(context.Background())
		Init(context.Background(), Config{Enabled: false})
	}()

	var sampled bool
	var traceID string
	h := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := SpanFromContext(r.Context()).SpanContext()
		sampled = sc.IsSampled()
		traceID = GetTraceID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/tenant/context", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, sampled)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/tenant/context", nil))
	assert.False(t, sampled)
}

func TestInitDefaultsServiceIdentity(t *testing.T) {
	res, err := newResource(context.Background(), Config{ServiceName: "tenantgate", ServiceVersion: "1.2.3", Environment: "staging"})
	require.NoError(t, err)

	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "tenantgate", got["service.name"])
	assert.Equal(t, "1.2.3", got["service.version"])
	assert.Equal(t, "staging", got["deployment.environment"])
	assert.NotEmpty(t, got["service.instance.id"])
}
