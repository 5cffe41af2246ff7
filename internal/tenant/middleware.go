package tenant

import (
	"context"
	"errors"
	"net/http"

	"github.com/oriys/tenantgate/internal/auth"
	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
	"github.com/oriys/tenantgate/internal/observability"
	"github.com/oriys/tenantgate/internal/tenantdb"
)

// IdentityResolver is satisfied by *Resolver.
type IdentityResolver interface {
	Resolve(ctx context.Context, email string, userType domain.UserType) (domain.TenantIdentity, error)
}

// HandleProvider is satisfied by *tenantdb.Provider.
type HandleProvider interface {
	MainHandle() *tenantdb.Handle
	HandleForOwner(ctx context.Context, owner string) (*tenantdb.Handle, error)
}

// Middleware resolves the tenant of every authenticated request and binds its
// database handle. It never rejects a request: on any failure the request is
// bound to the main database and treated as a non-private tenant.
func Middleware(resolver IdentityResolver, handles HandleProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tc := Bind(r.Context(), auth.GetIdentity(r.Context()), resolver, handles)
			if entry := logging.RequestLogFromContext(r.Context()); entry != nil {
				entry.Caller = tc.RawEmail
				entry.Tenant = tc.EffectiveOwnerEmail
				entry.PrivateCloud = tc.IsPrivateCloud
			}
			if !tc.Anonymous {
				observability.SpanFromContext(r.Context()).SetAttributes(
					observability.AttrTenantOwner.String(tc.EffectiveOwnerEmail),
					observability.AttrTenantSubuser.Bool(tc.IsSubuser),
					observability.AttrPrivateCloud.Bool(tc.IsPrivateCloud),
				)
			}
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
		})
	}
}

// Bind builds the tenant bag for id. A nil id yields an anonymous bag.
func Bind(ctx context.Context, id *auth.Identity, resolver IdentityResolver, handles HandleProvider) *Context {
	main := handles.MainHandle()
	if id == nil || id.Email == "" {
		return &Context{Anonymous: true, Handle: main}
	}

	log := logging.FromContext(ctx)
	tc := &Context{
		RawEmail:            id.Email,
		EffectiveOwnerEmail: id.Email,
		IsSubuser:           id.IsSubuser(),
		Handle:              main,
	}

	ident, err := resolver.Resolve(ctx, id.Email, id.UserType)
	if ident.EffectiveOwnerEmail != "" {
		tc.EffectiveOwnerEmail = ident.EffectiveOwnerEmail
	}
	if err != nil {
		log.Warn("tenant resolution degraded, using main database", "email", id.Email, "error", err)
		metrics.RecordTenantContextFallback("resolution")
		return tc
	}

	h, err := handles.HandleForOwner(ctx, tc.EffectiveOwnerEmail)
	if err != nil {
		switch {
		case errors.Is(err, tenantdb.ErrConnectionUnavailable):
			log.Error("private database unavailable, using main database", "owner", tc.EffectiveOwnerEmail, "error", err)
			metrics.RecordTenantContextFallback("connection_unavailable")
		case ctx.Err() != nil:
			log.Debug("request cancelled while binding tenant handle", "owner", tc.EffectiveOwnerEmail)
		default:
			log.Error("tenant handle lookup failed, using main database", "owner", tc.EffectiveOwnerEmail, "error", err)
			metrics.RecordTenantContextFallback("handle_lookup")
		}
		return tc
	}

	tc.Handle = h
	tc.IsPrivateCloud = !h.IsMain()
	return tc
}
