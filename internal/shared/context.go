package shared

import "context"

// Principal describes the authenticated actor: the user, the tenant the
// request is scoped to, and the role set every access decision is made
// against. It is created at sign-in and carried through the request context.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
}

// Authenticated reports whether the principal identifies a signed-in user.
func (p *Principal) Authenticated() bool {
	return p != nil && p.UserID != "" && p.TenantID != ""
}

// HasAnyRole reports whether the principal holds at least one of the given
// roles. An empty requirement always passes.
func (p *Principal) HasAnyRole(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if p == nil {
		return false
	}
	held := make(map[string]struct{}, len(p.Roles))
	for _, r := range p.Roles {
		held[r] = struct{}{}
	}
	for _, r := range required {
		if _, ok := held[r]; ok {
			return true
		}
	}
	return false
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context, nil when absent.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
