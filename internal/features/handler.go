package features

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler exposes the admin-side feature management API.
type Handler struct {
	service *Service
	recents *shared.RecentTenants
	logger  *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(service *Service, recents *shared.RecentTenants, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, recents: recents, logger: logger}
}

// Routes mounts the admin endpoints. State-changing routes additionally pass
// through requireManage when provided.
func (h *Handler) Routes(r chi.Router, requireManage func(http.Handler) http.Handler) {
	r.Get("/features", h.listDefinitions)
	r.Get("/tenants/{tenantID}/features", h.listTenantFeatures)
	r.Get("/tenants/{tenantID}/audit", h.auditLog)
	r.Get("/tenants/recent", h.recentTenants)
	r.Post("/tenants/recent", h.recordRecent)
	r.Group(func(manage chi.Router) {
		if requireManage != nil {
			manage.Use(requireManage)
		}
		manage.Post("/tenants/{tenantID}/features/{key}:enable", h.enable)
		manage.Post("/tenants/{tenantID}/features/{key}:disable", h.disable)
		manage.Post("/tenants/{tenantID}/features:bulk", h.bulkUpdate)
		manage.Delete("/cache", h.clearCache)
	})
}

func (h *Handler) listDefinitions(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"features": h.service.Catalog().Definitions(),
	})
}

func (h *Handler) listTenantFeatures(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	states, err := h.service.AdminFeatureList(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("admin feature list", slog.String("tenant", tenantID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Feature list unavailable", "tenant feature state could not be loaded")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "features": states})
}

func (h *Handler) enable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, true)
}

func (h *Handler) disable(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, false)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, enable bool) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	key := chi.URLParam(r, "key")

	var err error
	if enable {
		err = h.service.EnableFeature(r.Context(), principal, tenantID, key)
	} else {
		cascade := r.URL.Query().Get("cascade") == "true"
		err = h.service.DisableFeature(r.Context(), principal, tenantID, key, cascade)
	}
	if err != nil {
		h.writeTransitionError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "feature_key": key, "enabled": enable})
}

type bulkRequest struct {
	Changes map[string]bool `json:"changes"`
}

func (h *Handler) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	var req bulkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request", "body must be JSON with a changes map")
		return
	}
	if err := h.service.BulkUpdate(r.Context(), principal, tenantID, req.Changes); err != nil {
		h.writeTransitionError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "updated": len(req.Changes)})
}

func (h *Handler) auditLog(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := h.service.TenantAuditLog(r.Context(), tenantID, limit)
	if err != nil {
		h.logger.Error("audit log", slog.String("tenant", tenantID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Audit log unavailable", "audit records could not be loaded")
		return
	}
	if records == nil {
		records = []AuditRecord{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenant_id": tenantID, "records": records})
}

func (h *Handler) recentTenants(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	tenants, err := h.recents.List(r.Context(), principal.UserID)
	if err != nil {
		h.logger.Warn("recent tenants", slog.Any("error", err))
	}
	if tenants == nil {
		tenants = []shared.RecentTenant{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (h *Handler) recordRecent(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	var tenant shared.RecentTenant
	if err := httpx.DecodeJSON(r, &tenant); err != nil || tenant.ID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request", "body must be JSON with a tenant id")
		return
	}
	if err := h.recents.Record(r.Context(), principal.UserID, tenant); err != nil {
		h.logger.Warn("record recent tenant", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Storage unavailable", "recent tenant could not be recorded")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	h.service.InvalidateAll(r.Context(), principal.UserID)
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Unknown feature", "the feature key is not in the catalog")
	case errors.Is(err, shared.ErrDependencyNotMet):
		httpx.Problem(w, http.StatusConflict, "Dependency not met", err.Error())
	case errors.Is(err, shared.ErrFetchFailed):
		httpx.Problem(w, http.StatusBadGateway, "Storage unavailable", "feature state could not be loaded")
	default:
		httpx.Problem(w, http.StatusInternalServerError, "Update failed", "feature state was not changed")
	}
}
