package app

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/rbac"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Engine bundles the access-resolution services behind one explicit
// lifecycle: Init at sign-in, SignOut at sign-out. Everything is
// constructed and injected; there is no ambient global state.
type Engine struct {
	Features *features.Service
	RBAC     *rbac.Resolver
	Recents  *shared.RecentTenants
	Logger   *slog.Logger
}

// Init warms the principal's caches: the tenant's enabled-feature set and
// the permission tables, fetched in parallel. Failures are tolerated: free
// features stay available and paid features fail closed until a later
// refresh succeeds.
func (e *Engine) Init(ctx context.Context, principal *shared.Principal) {
	if !principal.Authenticated() {
		return
	}
	var group errgroup.Group
	group.Go(func() error {
		e.Features.Warm(ctx, principal.TenantID)
		return nil
	})
	group.Go(func() error {
		e.RBAC.Warm(ctx)
		return nil
	})
	_ = group.Wait()
}

// SignOut synchronously clears every tenant- and user-scoped cache entry so
// no data can leak into the next principal's session through a stale cache
// key collision.
func (e *Engine) SignOut(ctx context.Context, principal *shared.Principal) {
	if principal == nil {
		return
	}
	e.Features.SignOut(ctx, principal)
	e.RBAC.Invalidate(ctx)
	if err := e.Recents.Clear(ctx, principal.UserID); err != nil {
		e.Logger.Warn("clear recent tenants", slog.Any("error", err))
	}
}
