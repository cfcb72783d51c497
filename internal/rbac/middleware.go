package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Middleware wires permission checks into HTTP handlers.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// RequireAny ensures the current principal has at least one of the required
// permission ids.
func (m Middleware) RequireAny(permissionIDs ...string) func(http.Handler) http.Handler {
	required := normalize(permissionIDs)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal := shared.PrincipalFromContext(r.Context())
			if !principal.Authenticated() {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			for _, pid := range required {
				if m.Resolver.HasPermission(r.Context(), principal.UserID, pid) {
					next.ServeHTTP(w, r)
					return
				}
			}
			if m.Logger != nil {
				m.Logger.Warn("permission denied",
					slog.String("user", principal.UserID),
					slog.String("required", strings.Join(required, ",")))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// RequireAll ensures the current principal has every required permission id.
func (m Middleware) RequireAll(permissionIDs ...string) func(http.Handler) http.Handler {
	required := normalize(permissionIDs)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			principal := shared.PrincipalFromContext(r.Context())
			if !principal.Authenticated() {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			for _, pid := range required {
				if !m.Resolver.HasPermission(r.Context(), principal.UserID, pid) {
					http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalize(ids []string) []string {
	unique := make(map[string]struct{}, len(ids))
	normalized := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, seen := unique[id]; seen {
			continue
		}
		unique[id] = struct{}{}
		normalized = append(normalized, id)
	}
	return normalized
}
