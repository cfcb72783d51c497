package navigation

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler serves the filtered navigation tree and its refresh controls.
type Handler struct {
	tree     *Tree
	features *features.Service
	logger   *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(tree *Tree, svc *features.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{tree: tree, features: svc, logger: logger}
}

// Routes mounts the navigation endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/navigation", h.getNavigation)
	r.Post("/navigation/refresh", h.refresh)
	r.Delete("/navigation/cache", h.clearCache)
}

type navigationResponse struct {
	Items     []Node    `json:"items"`
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	Stale     bool      `json:"stale"`
	Loading   bool      `json:"loading"`
}

func (h *Handler) getNavigation(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	// Warm the enabled set before filtering so the tree is not computed
	// against a partially loaded state.
	if _, _, loaded := h.features.SnapshotInfo(principal.TenantID); !loaded {
		h.features.Warm(r.Context(), principal.TenantID)
	}
	fetchedAt, stale, loaded := h.features.SnapshotInfo(principal.TenantID)
	items := Filter(r.Context(), h.features, principal, h.tree.Items)
	httpx.JSON(w, http.StatusOK, navigationResponse{
		Items:     items,
		FetchedAt: fetchedAt,
		Stale:     stale,
		Loading:   !loaded,
	})
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	if err := h.features.Refresh(r.Context(), principal.TenantID); err != nil {
		h.logger.Warn("navigation refresh", slog.String("tenant", principal.TenantID), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Refresh failed", "feature enablement could not be refreshed")
		return
	}
	fetchedAt, stale, _ := h.features.SnapshotInfo(principal.TenantID)
	items := Filter(r.Context(), h.features, principal, h.tree.Items)
	httpx.JSON(w, http.StatusOK, navigationResponse{Items: items, FetchedAt: fetchedAt, Stale: stale})
}

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	h.features.InvalidateTenant(r.Context(), principal.TenantID, principal.UserID)
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
