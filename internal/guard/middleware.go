package guard

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// RouteOptions tunes the route guard's denial behaviour.
type RouteOptions struct {
	// DenyPath is where browser requests are redirected on denial. The
	// redirect carries from, feature, and reason so the destination page
	// can explain the denial. Empty means problem-details only.
	DenyPath string
}

// RequireFeature gates a route subtree on a feature key. Denied browser
// requests redirect to the deny path with the origin, the feature key, and
// the human-readable reason; API requests get a problem-details response.
// A lookup that cannot settle (enablement fetch failing) keeps the request
// in the loading state, surfaced as 503 with Retry-After.
func (g *Guard) RequireFeature(featureKey string, opts RouteOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := shared.PrincipalFromContext(r.Context())
			if !principal.Authenticated() {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "sign in required")
				return
			}
			decision := g.Evaluate(r.Context(), principal, featureKey)
			switch decision.State {
			case StateGranted:
				next.ServeHTTP(w, r)
			case StateLoading:
				w.Header().Set("Retry-After", "2")
				httpx.Problem(w, http.StatusServiceUnavailable, "Feature check pending",
					"feature availability is still being determined")
			default:
				g.deny(w, r, featureKey, decision, opts)
			}
		})
	}
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, featureKey string, decision Decision, opts RouteOptions) {
	if opts.DenyPath != "" && acceptsHTML(r) {
		query := url.Values{}
		query.Set("from", r.URL.Path)
		query.Set("feature", featureKey)
		query.Set("reason", decision.Access.Reason)
		http.Redirect(w, r, opts.DenyPath+"?"+query.Encode(), http.StatusSeeOther)
		return
	}
	httpx.Problem(w, http.StatusForbidden, "Feature not available", decision.Access.Reason)
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
