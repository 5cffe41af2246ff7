package ratelimit

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/tenantgate/internal/auth"
	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
	"github.com/oriys/tenantgate/internal/observability"
	"github.com/oriys/tenantgate/internal/tenant"
)

// maxEmailBody bounds how much of a password-reset body is read to find the
// email.
const maxEmailBody = 64 << 10

// ExceededResponse is the 429 body.
type ExceededResponse struct {
	Success        bool   `json:"success"`
	Error          string `json:"error"`
	Message        string `json:"message"`
	RetryAfter     int    `json:"retryAfter"`
	RetryAfterUnit string `json:"retryAfterUnit"`
}

// Middleware enforces the limiter's policies. It must run after the tenant
// middleware so that authenticated callers are classified by their tenant.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.Bypassed(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			var (
				decisions []Decision
				err       error
			)
			if l.IsForgotPassword(r.URL.Path) {
				decisions, err = l.CheckForgotPassword(ctx, ClientIP(r), forgotPasswordEmail(r))
			} else {
				key, policy := l.Classify(r)
				var d Decision
				if d, err = l.Check(ctx, key, policy); err == nil {
					decisions = []Decision{d}
				}
			}
			if err != nil {
				logging.FromContext(ctx).Warn("rate limit check failed, allowing request", "path", r.URL.Path, "error", err)
				metrics.RecordRateLimitBackendError()
			}
			if len(decisions) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			now := l.now()
			d := Binding(decisions)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Policy.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.Itoa(d.ResetSeconds(now)))
			h.Set("X-RateLimit-Policy", d.Policy.Name)
			observability.SpanFromContext(ctx).SetAttributes(observability.AttrRateLimitPolicy.String(d.Policy.Name))

			if !d.Allowed {
				logging.FromContext(ctx).Info("rate limit exceeded", "policy", d.Policy.Name, "key", d.Key, "count", d.Count)
				writeExceeded(w, d, now)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Classify returns the counter key and policy of a regular request.
func (l *Limiter) Classify(r *http.Request) (string, Policy) {
	if tc := tenant.FromContext(r.Context()); tc != nil && !tc.Anonymous && tc.RawEmail != "" {
		if tc.IsPrivateCloud {
			return KeyForUser(tc.RawEmail), l.policies.PrivateTenant
		}
		return KeyForUser(tc.RawEmail), l.policies.NormalUser
	}
	if id := auth.GetIdentity(r.Context()); id != nil && id.Email != "" {
		return KeyForUser(id.Email), l.policies.NormalUser
	}
	return KeyForIP(ClientIP(r)), l.policies.Unauthenticated
}

func writeExceeded(w http.ResponseWriter, d Decision, now time.Time) {
	retry := d.RetryAfter(now)
	msg := "Too many requests. Please try again in " + strconv.Itoa(retry) + " seconds."
	if d.Policy.Name == PolicyForgotPassword {
		msg = "Too many password reset attempts. Please try again in " + strconv.Itoa(retry) + " seconds."
	}

	w.Header().Set("Retry-After", strconv.Itoa(retry))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(ExceededResponse{
		Success:        false,
		Error:          "Rate limit exceeded",
		Message:        msg,
		RetryAfter:     retry,
		RetryAfterUnit: "seconds",
	})
}

// forgotPasswordEmail reads the email of a password-reset request from its
// JSON or form body, or the email query parameter. The body is restored for
// the next handler.
func forgotPasswordEmail(r *http.Request) string {
	if email := emailFromBody(r); email != "" {
		return email
	}
	return domain.NormalizeEmail(r.URL.Query().Get("email"))
}

func emailFromBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxEmailBody))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil || len(buf) == 0 {
		return ""
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(buf))
		if err != nil {
			return ""
		}
		for k, v := range vals {
			if isEmailField(k) && len(v) > 0 {
				return domain.NormalizeEmail(v[0])
			}
		}
	default:
		var body map[string]any
		if err := json.Unmarshal(buf, &body); err != nil {
			return ""
		}
		for k, v := range body {
			if s, ok := v.(string); ok && isEmailField(k) {
				return domain.NormalizeEmail(s)
			}
		}
	}
	return ""
}

func isEmailField(name string) bool {
	switch strings.ToLower(name) {
	case "email", "useremail", "user_email", "emailaddress":
		return true
	}
	return false
}
