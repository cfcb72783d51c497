package rbac

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler exposes the permission tables over HTTP for admin tooling.
type Handler struct {
	resolver *Resolver
}

// NewHandler constructs the handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// Routes mounts the permission endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/permissions", h.permissionsByCategory)
	r.Get("/roles/{roleID}/permissions", h.permissionsForRole)
	r.Get("/me/roles/{roleID}", h.hasRole)
}

func (h *Handler) permissionsByCategory(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{
		"categories": h.resolver.PermissionsByCategory(r.Context()),
	})
}

func (h *Handler) permissionsForRole(w http.ResponseWriter, r *http.Request) {
	roleID := chi.URLParam(r, "roleID")
	perms := h.resolver.PermissionsForRole(r.Context(), roleID)
	if perms == nil {
		perms = []Permission{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role_id":     roleID,
		"permissions": perms,
	})
}

func (h *Handler) hasRole(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	roleID := chi.URLParam(r, "roleID")
	httpx.JSON(w, http.StatusOK, map[string]any{
		"role_id":  roleID,
		"has_role": h.resolver.HasRole(r.Context(), principal.UserID, roleID),
	})
}
