package tenant

import (
	"context"

	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/tenantdb"
)

// Context is the per-request tenant bag read by downstream handlers and the
// rate limiter.
type Context struct {
	RawEmail            string
	EffectiveOwnerEmail string
	IsSubuser           bool
	IsPrivateCloud      bool
	Anonymous           bool
	Handle              *tenantdb.Handle
}

// Identity returns the resolved tenant identity.
func (c *Context) Identity() domain.TenantIdentity {
	return domain.TenantIdentity{
		RawEmail:            c.RawEmail,
		IsSubuser:           c.IsSubuser,
		EffectiveOwnerEmail: c.EffectiveOwnerEmail,
	}
}

type contextKey struct{}

// WithContext stores the tenant bag in ctx.
func WithContext(ctx context.Context, tc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// FromContext returns the tenant bag, or nil when the middleware did not run.
func FromContext(ctx context.Context) *Context {
	tc, _ := ctx.Value(contextKey{}).(*Context)
	return tc
}
