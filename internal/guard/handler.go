package guard

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler exposes guard evaluation over HTTP, the integration point for any
// protected UI surface.
type Handler struct {
	guard    *Guard
	denyPath string
}

// NewHandler constructs the handler. denyPath, when non-empty, is returned on
// upgrade-eligible denials so clients know where to send the user.
func NewHandler(g *Guard, denyPath string) *Handler {
	return &Handler{guard: g, denyPath: denyPath}
}

// Routes mounts the feature access endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/features/{key}/access", h.checkAccess)
	r.Post("/features/access:batch", h.checkBatch)
}

func (h *Handler) checkAccess(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	decision := h.guard.Evaluate(r.Context(), principal, chi.URLParam(r, "key"))
	body := map[string]any{
		"state":   decision.State,
		"access":  decision.Access,
		"control": Control(decision),
	}
	if decision.State == StateDenied && decision.Access.Upgrade && h.denyPath != "" {
		body["upgrade_path"] = h.denyPath
	}
	httpx.JSON(w, http.StatusOK, body)
}

type batchRequest struct {
	FeatureKeys []string `json:"feature_keys"`
	RequireAll  bool     `json:"require_all"`
}

func (h *Handler) checkBatch(w http.ResponseWriter, r *http.Request) {
	principal := shared.PrincipalFromContext(r.Context())
	if !principal.Authenticated() {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
		return
	}
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid request", "body must be JSON with feature_keys")
		return
	}
	decision := h.guard.EvaluateAll(r.Context(), principal, req.FeatureKeys, req.RequireAll)
	httpx.JSON(w, http.StatusOK, map[string]any{
		"state":  decision.State,
		"access": decision.Access,
		"keys":   decision.Keys,
	})
}
