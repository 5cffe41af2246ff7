package envelope

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
)

// Header set on enveloped responses.
const HeaderEncrypted = "X-Response-Encrypted"

// HeaderSkip lets a client opt out of the envelope.
const HeaderSkip = "X-Skip-Encryption"

// Envelope outcomes reported to metrics.
const (
	OutcomeEncrypted = "encrypted"
	OutcomeBypassed  = "bypassed"
	OutcomeFailed    = "failed"
)

// Response is the body of an enveloped response.
type Response struct {
	Data string `json:"data"`
}

// Options configures the middleware bypass rules.
type Options struct {
	// BypassPaths are case-insensitive path prefixes that are never enveloped.
	BypassPaths []string
	// BypassContentTypes are content-type fragments that are never enveloped.
	BypassContentTypes []string
}

// DefaultOptions returns the bypass rules for binary downloads and auth flows.
func DefaultOptions() Options {
	return Options{
		BypassPaths: []string{
			"/api/download", "/api/export", "/api/pdf",
			"/api/auth", "/api/token", "/connect/token",
			"/health", "/metrics",
		},
		BypassContentTypes: []string{
			"application/pdf",
			"application/octet-stream",
			"text/csv",
			"application/vnd.ms-excel",
			"application/vnd.openxmlformats-officedocument",
			"image/",
		},
	}
}

// Middleware envelopes 200 JSON responses with codec. A nil codec disables it.
// Transform failures are logged and the original body is sent.
func Middleware(codec *Codec, opts Options) func(http.Handler) http.Handler {
	paths := make([]string, 0, len(opts.BypassPaths))
	for _, p := range opts.BypassPaths {
		paths = append(paths, strings.ToLower(p))
	}

	return func(next http.Handler) http.Handler {
		if codec == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requestBypassed(r, paths) {
				metrics.RecordEnvelope(OutcomeBypassed)
				next.ServeHTTP(w, r)
				return
			}

			bw := &bufferedWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(bw, r)

			if !bw.eligible(opts.BypassContentTypes) {
				bw.flush()
				return
			}

			sealed, err := codec.Seal(bw.body.Bytes())
			if err == nil {
				var out []byte
				out, err = json.Marshal(Response{Data: sealed})
				if err == nil {
					h := w.Header()
					h.Set("Content-Type", "application/json; charset=utf-8")
					h.Set(HeaderEncrypted, "true")
					h.Set("Content-Length", strconv.Itoa(len(out)))
					w.WriteHeader(bw.status)
					w.Write(out)
					metrics.RecordEnvelope(OutcomeEncrypted)
					return
				}
			}

			logging.FromContext(r.Context()).Error("response encryption failed, sending plaintext", "path", r.URL.Path, "error", err)
			metrics.RecordEnvelope(OutcomeFailed)
			bw.flush()
		})
	}
}

func requestBypassed(r *http.Request, paths []string) bool {
	if strings.EqualFold(r.Header.Get(HeaderSkip), "true") {
		return true
	}
	q := r.URL.Query()
	if strings.EqualFold(q.Get("skipEncryption"), "true") || strings.EqualFold(q.Get("encrypt"), "false") {
		return true
	}
	path := strings.ToLower(r.URL.Path)
	for _, p := range paths {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// bufferedWriter holds the response until the handler returns.
type bufferedWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (b *bufferedWriter) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.status = code
	b.wroteHeader = true
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	return b.body.Write(p)
}

func (b *bufferedWriter) eligible(bypassTypes []string) bool {
	if b.status != http.StatusOK || b.body.Len() == 0 {
		return false
	}
	ct := strings.ToLower(b.Header().Get("Content-Type"))
	for _, t := range bypassTypes {
		if strings.Contains(ct, strings.ToLower(t)) {
			return false
		}
	}
	if ct == "" {
		return json.Valid(b.body.Bytes())
	}
	return strings.Contains(ct, "json")
}

func (b *bufferedWriter) flush() {
	b.ResponseWriter.WriteHeader(b.status)
	if b.body.Len() > 0 {
		b.ResponseWriter.Write(b.body.Bytes())
	}
}
