package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
)

// Decision is the outcome of one counter check.
type Decision struct {
	Policy    Policy
	Key       string
	Count     int
	Remaining int
	ResetAt   time.Time
	Allowed   bool
}

// ResetSeconds returns the whole seconds until the window resets.
func (d Decision) ResetSeconds(now time.Time) int {
	s := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if s < 0 {
		return 0
	}
	return s
}

// RetryAfter returns the seconds a blocked caller should wait, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	if s := d.ResetSeconds(now); s > 0 {
		return s
	}
	return 1
}

// Options configures a Limiter.
type Options struct {
	Policies            Policies
	ForgotPasswordPaths []string
	BypassPaths         []string
	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Limiter applies policies to counters held by a Backend. It is safe for
// concurrent use.
type Limiter struct {
	backend     Backend
	policies    Policies
	forgotPaths []string
	bypassPaths []string
	now         func() time.Time
}

// New creates a limiter on backend.
func New(backend Backend, opts Options) *Limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		backend:     backend,
		policies:    opts.Policies,
		forgotPaths: lowerAll(opts.ForgotPasswordPaths),
		bypassPaths: lowerAll(opts.BypassPaths),
		now:         opts.Now,
	}
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hasPrefix(path string, prefixes []string) bool {
	path = strings.ToLower(path)
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Policies returns the configured policy set.
func (l *Limiter) Policies() Policies {
	return l.policies
}

// Bypassed reports whether path skips rate limiting entirely.
func (l *Limiter) Bypassed(path string) bool {
	return hasPrefix(path, l.bypassPaths)
}

// IsForgotPassword reports whether path is a password-reset endpoint.
func (l *Limiter) IsForgotPassword(path string) bool {
	return hasPrefix(path, l.forgotPaths)
}

// Check counts one request against key under policy.
func (l *Limiter) Check(ctx context.Context, key string, policy Policy) (Decision, error) {
	c, err := l.backend.Hit(ctx, key, policy.Window, l.now())
	if err != nil {
		return Decision{}, err
	}
	remaining := policy.Limit - c.Count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Policy:    policy,
		Key:       key,
		Count:     c.Count,
		Remaining: remaining,
		ResetAt:   c.WindowStart.Add(policy.Window),
		Allowed:   c.Count <= policy.Limit,
	}
	metrics.RecordRateLimitDecision(policy.Name, d.Allowed)
	return d, nil
}

// CheckForgotPassword counts one password-reset attempt against the IP
// bucket and, when email is known, the email bucket. Both buckets are always
// counted; the request is blocked if either is over its limit.
func (l *Limiter) CheckForgotPassword(ctx context.Context, ip, email string) ([]Decision, error) {
	policy := l.policies.ForgotPassword
	keys := []string{KeyForForgotIP(ip)}
	if email != "" {
		keys = append(keys, KeyForForgotEmail(email))
	}

	var (
		decisions []Decision
		errs      []error
	)
	for _, key := range keys {
		d, err := l.Check(ctx, key, policy)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions, errors.Join(errs...)
}

// Binding picks the decision that drives the response: the first blocking
// one, otherwise the one with the fewest remaining requests.
func Binding(decisions []Decision) Decision {
	var out Decision
	for i, d := range decisions {
		if !d.Allowed {
			return d
		}
		if i == 0 || d.Remaining < out.Remaining {
			out = d
		}
	}
	return out
}

type degradedReporter interface {
	Degraded() bool
}

// Degraded reports whether the backend has fallen back to process-local
// counters.
func (l *Limiter) Degraded() bool {
	d, ok := l.backend.(degradedReporter)
	return ok && d.Degraded()
}

// Sweep removes idle counters when the backend keeps them in memory.
func (l *Limiter) Sweep(now time.Time) int {
	metrics.SetRateLimitDegraded(l.Degraded())
	s, ok := l.backend.(Sweeper)
	if !ok {
		return 0
	}
	n := s.Sweep(now)
	metrics.RecordRateLimitSwept(n)
	metrics.SetRateLimitCounters(s.Len())
	return n
}

// Run sweeps idle counters every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(l.now()); n > 0 {
				logging.Op().Debug("rate limit counters swept", "removed", n)
			}
		}
	}
}
