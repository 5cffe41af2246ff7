package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oriys/tenantgate/internal/domain"
	"github.com/oriys/tenantgate/internal/logging"
	"github.com/oriys/tenantgate/internal/ratelimit"
	"github.com/oriys/tenantgate/internal/store"
	"github.com/oriys/tenantgate/internal/tenant"
	"github.com/oriys/tenantgate/internal/tenantdb"
)

// Handler serves the tenant admin routes.
type Handler struct {
	Store         TenantStore
	Handles       HandleManager
	Invalidations InvalidationPublisher
	Limiter       *ratelimit.Limiter
}

// RegisterRoutes registers the tenant routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/context", h.TenantContext)
	r.Get("/database", h.GetDatabase)
	r.Put("/database", h.PutDatabase)
	r.Post("/database/test", h.TestDatabase)
	r.Delete("/database", h.DeleteDatabase)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		logging.FromContext(r.Context()).Warn("readiness check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	resp := map[string]string{"status": "ready"}
	if h.Limiter != nil {
		resp["rate_limit_backend"] = "ok"
		if h.Limiter.Degraded() {
			resp["rate_limit_backend"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// TenantContextResponse is the body of GET /api/tenant/context.
type TenantContextResponse struct {
	RawEmail            string `json:"raw_email"`
	EffectiveOwnerEmail string `json:"effective_owner_email"`
	IsSubuser           bool   `json:"is_subuser"`
	IsPrivateCloud      bool   `json:"is_private_cloud"`
	DatabaseType        string `json:"database_type,omitempty"`
}

// TenantContext handles GET /api/tenant/context
func (h *Handler) TenantContext(w http.ResponseWriter, r *http.Request) {
	tc := tenant.FromContext(r.Context())
	if tc == nil {
		writeError(w, http.StatusInternalServerError, "tenant context missing")
		return
	}
	resp := TenantContextResponse{
		RawEmail:            tc.RawEmail,
		EffectiveOwnerEmail: tc.EffectiveOwnerEmail,
		IsSubuser:           tc.IsSubuser,
		IsPrivateCloud:      tc.IsPrivateCloud,
	}
	if tc.Handle != nil {
		resp.DatabaseType = string(tc.Handle.Type)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetDatabase handles GET /api/tenant/database
func (h *Handler) GetDatabase(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	cfg, err := h.Store.GetTenantDatabaseConfig(r.Context(), owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutDatabase handles PUT /api/tenant/database
func (h *Handler) PutDatabase(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		ConnectionString string `json:"connection_string"`
		DatabaseType     string `json:"database_type"`
		IsActive         *bool  `json:"is_active"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.ConnectionString) == "" {
		writeError(w, http.StatusBadRequest, "connection_string is required")
		return
	}
	dbType, valid := domain.ParseDatabaseType(req.DatabaseType)
	if !valid {
		writeError(w, http.StatusBadRequest, "database_type must be one of mysql, postgresql, sqlserver")
		return
	}

	cfg := &domain.TenantDatabaseConfig{
		OwnerEmail:       owner,
		ConnectionString: req.ConnectionString,
		DatabaseType:     dbType,
		IsActive:         req.IsActive == nil || *req.IsActive,
		TestStatus:       domain.TestStatusPending,
	}
	if err := h.Store.SaveTenantDatabaseConfig(r.Context(), cfg); err != nil {
		writeStoreError(w, err)
		return
	}
	h.invalidate(r, owner)

	logging.FromContext(r.Context()).Info("tenant database config saved", "owner", owner, "type", dbType, "active", cfg.IsActive)
	saved, err := h.Store.GetTenantDatabaseConfig(r.Context(), owner)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// TestDatabase handles POST /api/tenant/database/test
func (h *Handler) TestDatabase(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	cfg, err := h.Handles.TestConnection(r.Context(), owner)
	if err != nil {
		if errors.Is(err, tenantdb.ErrNoPrivateDatabase) {
			writeError(w, http.StatusNotFound, "no active private database")
			return
		}
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// DeleteDatabase handles DELETE /api/tenant/database
func (h *Handler) DeleteDatabase(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeactivateTenantDatabaseConfig(r.Context(), owner); err != nil {
		writeStoreError(w, err)
		return
	}
	h.invalidate(r, owner)

	logging.FromContext(r.Context()).Info("tenant database config deactivated", "owner", owner)
	writeJSON(w, http.StatusOK, map[string]any{"owner_email": owner, "is_active": false})
}

func (h *Handler) invalidate(r *http.Request, owner string) {
	h.Handles.Invalidate(owner)
	if h.Invalidations == nil {
		return
	}
	if err := h.Invalidations.Publish(r.Context(), owner); err != nil {
		logging.FromContext(r.Context()).Warn("failed to broadcast handle invalidation", "owner", owner, "error", err)
	}
}

// requireOwner returns the caller's account email. Subusers manage nothing.
func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	tc := tenant.FromContext(r.Context())
	if tc == nil || tc.Anonymous || tc.RawEmail == "" {
		writeError(w, http.StatusUnauthorized, "valid authentication required")
		return "", false
	}
	if tc.IsSubuser {
		writeError(w, http.StatusForbidden, "subusers cannot manage the account database")
		return "", false
	}
	return tc.EffectiveOwnerEmail, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "tenant database config not found")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
