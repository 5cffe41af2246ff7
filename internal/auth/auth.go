// Package auth extracts the caller identity from bearer tokens. It never
// rejects a request on its own; routes that need an identity wrap themselves
// in RequireIdentity.
package auth

import (
	"context"
	"net/http"

	"github.com/oriys/tenantgate/internal/domain"
)

// Identity is the validated caller of a request.
type Identity struct {
	Email    string          // normalized account or subuser email
	UserType domain.UserType // declared by the user_type claim
	Subject  string
	Claims   map[string]any
}

// IsSubuser reports whether the token declares a subuser.
func (id *Identity) IsSubuser() bool {
	return id != nil && id.UserType == domain.UserTypeSubuser
}

type contextKey struct{}

var identityKey = contextKey{}

// WithIdentity adds an Identity to the context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the Identity from context
func GetIdentity(ctx context.Context) *Identity {
	if id, ok := ctx.Value(identityKey).(*Identity); ok {
		return id
	}
	return nil
}

// Authenticator is the interface for authentication providers
type Authenticator interface {
	// Authenticate returns an Identity if the request carries valid
	// credentials, nil otherwise.
	Authenticate(r *http.Request) *Identity
}

// Middleware attaches the identity of the first successful authenticator.
// Requests without valid credentials continue anonymously.
func Middleware(authenticators ...Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, a := range authenticators {
				if id := a.Authenticate(r); id != nil {
					next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireIdentity rejects anonymous requests with 401.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetIdentity(r.Context()) == nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", `Bearer realm="tenantgate"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"success":false,"error":"unauthorized","message":"valid authentication required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
