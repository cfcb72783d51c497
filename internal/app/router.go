package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/guard"
	"github.com/gatehouse-io/gatehouse/internal/navigation"
	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/rbac"
	"github.com/gatehouse-io/gatehouse/internal/shared"
	"github.com/gatehouse-io/gatehouse/jobs"
)

// Permission ids guarding the admin API.
const (
	PermFeaturesManage = "features:manage"
	PermFeaturesView   = "features:view"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	Engine            *Engine
	NavigationHandler *navigation.Handler
	GuardHandler      *guard.Handler
	FeaturesHandler   *features.Handler
	RBACHandler       *rbac.Handler
	RBACMiddleware    rbac.Middleware
	JobsHandler       *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}
	if params.JobsHandler != nil {
		params.JobsHandler.MountRoutes(r)
	}

	r.Route("/api", func(api chi.Router) {
		api.Post("/session/init", func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if !principal.Authenticated() {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
				return
			}
			params.Engine.Init(r.Context(), principal)
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "initialised"})
		})
		api.Delete("/session", func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if !principal.Authenticated() {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
				return
			}
			params.Engine.SignOut(r.Context(), principal)
			httpx.JSON(w, http.StatusOK, map[string]string{"status": "signed out"})
		})

		params.NavigationHandler.Routes(api)
		params.GuardHandler.Routes(api)
		params.RBACHandler.Routes(api)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(params.RBACMiddleware.RequireAny(PermFeaturesView, PermFeaturesManage))
			params.FeaturesHandler.Routes(admin, params.RBACMiddleware.RequireAny(PermFeaturesManage))
		})
	})

	return r
}
