package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/tenantgate/internal/envelope"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
	"github.com/oriys/tenantgate/internal/observability"
	"github.com/oriys/tenantgate/internal/ratelimit"
)

// HeaderRequestID carries the request correlation ID.
const HeaderRequestID = "X-Request-ID"

// RequestID reuses a caller-supplied request ID or assigns a new one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// RequestMetrics records request counts and latency, and writes the access
// log entry once the request completes.
func RequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.IncActiveRequests()
		defer metrics.DecActiveRequests()

		entry := &logging.RequestLog{
			Timestamp: start,
			RequestID: logging.RequestID(r.Context()),
			TraceID:   observability.GetTraceID(r.Context()),
			Method:    r.Method,
			Path:      r.URL.Path,
			ClientIP:  ratelimit.ClientIP(r),
		}
		observability.SpanFromContext(r.Context()).SetAttributes(observability.AttrRequestID.String(entry.RequestID))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(logging.WithRequestLog(r.Context(), entry)))

		elapsed := time.Since(start)
		metrics.RecordRequest(r.Method, sw.status, elapsed)

		entry.Status = sw.status
		entry.DurationMs = elapsed.Milliseconds()
		entry.RateLimitPolicy = w.Header().Get("X-RateLimit-Policy")
		entry.Encrypted = w.Header().Get(envelope.HeaderEncrypted) == "true"
		if access := logging.Default(); access.Enabled() {
			access.Log(entry)
		}
		logging.FromContext(r.Context()).Debug("request completed",
			"method", r.Method, "path", r.URL.Path, "status", sw.status, "duration_ms", entry.DurationMs)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
