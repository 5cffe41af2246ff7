package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/oriys/tenantgate/internal/auth"
	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/envelope"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/metrics"
	"github.com/oriys/tenantgate/internal/observability"
	"github.com/oriys/tenantgate/internal/ratelimit"
	"github.com/oriys/tenantgate/internal/tenant"
)

// TenantStore is the slice of the main store used by the admin routes.
type TenantStore interface {
	Ping(ctx context.Context) error
	GetTenantDatabaseConfig(ctx context.Context, owner string) (*domain.TenantDatabaseConfig, error)
	SaveTenantDatabaseConfig(ctx context.Context, cfg *domain.TenantDatabaseConfig) error
	DeactivateTenantDatabaseConfig(ctx context.Context, owner string) error
}

// HandleManager binds tenant handles and reacts to config changes.
type HandleManager interface {
	tenant.HandleProvider
	Invalidate(owner string)
	TestConnection(ctx context.Context, owner string) (*domain.TenantDatabaseConfig, error)
}

// InvalidationPublisher tells other instances that an owner's config changed.
type InvalidationPublisher interface {
	Publish(ctx context.Context, key string) error
}

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Store          TenantStore
	Handles        HandleManager
	Resolver       tenant.IdentityResolver
	Authenticators []auth.Authenticator
	Limiter        *ratelimit.Limiter // nil disables rate limiting
	Codec          *envelope.Codec    // nil disables the response envelope
	Envelope       envelope.Options
	Invalidations  InvalidationPublisher // optional
	CORSOrigins    []string
	Metrics        bool
}

// NewHandler builds the request pipeline and routes.
func NewHandler(cfg ServerConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(RequestID)
	r.Use(observability.HTTPMiddleware)
	r.Use(RequestMetrics)
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", envelope.HeaderSkip},
			ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "X-RateLimit-Policy", "Retry-After", envelope.HeaderEncrypted, HeaderRequestID},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(auth.Middleware(cfg.Authenticators...))
	r.Use(tenant.Middleware(cfg.Resolver, cfg.Handles))
	if cfg.Limiter != nil {
		r.Use(ratelimit.Middleware(cfg.Limiter))
	}
	r.Use(envelope.Middleware(cfg.Codec, cfg.Envelope))

	h := &Handler{
		Store:         cfg.Store,
		Handles:       cfg.Handles,
		Invalidations: cfg.Invalidations,
		Limiter:       cfg.Limiter,
	}
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	if cfg.Metrics {
		r.Handle("/metrics", metrics.PrometheusHandler())
	}
	r.Route("/api/tenant", func(r chi.Router) {
		r.Use(auth.RequireIdentity)
		h.RegisterRoutes(r)
	})

	return r
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
