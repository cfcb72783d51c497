package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const snapshotKey = "rbac:tables"

// TableSource fetches the backing permission tables.
type TableSource interface {
	FetchTables(ctx context.Context) (Tables, error)
}

// Resolver answers permission and role questions for users. The backing
// tables are fetched lazily on first access, held process-wide, and
// snapshotted to Redis so a process restart mid-session does not force a
// re-fetch. Sign-out invalidates both copies. A failed fetch logs and
// degrades to "no permissions" rather than returning an error to callers.
type Resolver struct {
	source      TableSource
	client      *redis.Client
	logger      *slog.Logger
	snapshotTTL time.Duration

	mu     sync.RWMutex
	loaded bool
	index  index

	group singleflight.Group
}

type index struct {
	permissions map[string]Permission
	roles       map[string]Role
	userRoles   map[string][]string
}

// NewResolver constructs a Resolver. The Redis client is optional; without
// it the snapshot step is skipped.
func NewResolver(source TableSource, client *redis.Client, logger *slog.Logger, snapshotTTL time.Duration) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if snapshotTTL <= 0 {
		snapshotTTL = time.Hour
	}
	return &Resolver{
		source:      source,
		client:      client,
		logger:      logger,
		snapshotTTL: snapshotTTL,
	}
}

// HasPermission reports whether at least one of the user's roles declares
// the permission id. This is the role-to-permission join, never a direct
// user-to-permission lookup.
func (r *Resolver) HasPermission(ctx context.Context, userID, permissionID string) bool {
	idx, ok := r.tables(ctx)
	if !ok {
		return false
	}
	for _, roleID := range idx.userRoles[userID] {
		role, ok := idx.roles[roleID]
		if !ok {
			continue
		}
		for _, pid := range role.Permissions {
			if pid == permissionID {
				return true
			}
		}
	}
	return false
}

// HasRole reports whether the user is assigned the role id.
func (r *Resolver) HasRole(ctx context.Context, userID, roleID string) bool {
	idx, ok := r.tables(ctx)
	if !ok {
		return false
	}
	for _, id := range idx.userRoles[userID] {
		if id == roleID {
			return true
		}
	}
	return false
}

// PermissionsForRole returns the permissions a role declares, in table order.
func (r *Resolver) PermissionsForRole(ctx context.Context, roleID string) []Permission {
	idx, ok := r.tables(ctx)
	if !ok {
		return nil
	}
	role, exists := idx.roles[roleID]
	if !exists {
		return nil
	}
	perms := make([]Permission, 0, len(role.Permissions))
	for _, pid := range role.Permissions {
		if p, ok := idx.permissions[pid]; ok {
			perms = append(perms, p)
		}
	}
	return perms
}

// PermissionsByCategory groups every known permission by its category.
func (r *Resolver) PermissionsByCategory(ctx context.Context) map[string][]Permission {
	idx, ok := r.tables(ctx)
	if !ok {
		return map[string][]Permission{}
	}
	grouped := make(map[string][]Permission)
	for _, p := range idx.permissions {
		grouped[p.Category] = append(grouped[p.Category], p)
	}
	return grouped
}

// Warm loads the tables eagerly, used at sign-in.
func (r *Resolver) Warm(ctx context.Context) {
	r.tables(ctx)
}

// Invalidate drops the in-memory tables and the Redis snapshot. Called
// synchronously at sign-out so the next principal starts from a clean fetch.
func (r *Resolver) Invalidate(ctx context.Context) {
	r.mu.Lock()
	r.loaded = false
	r.index = index{}
	r.mu.Unlock()
	if r.client != nil {
		if err := r.client.Del(ctx, snapshotKey).Err(); err != nil {
			r.logger.Warn("rbac snapshot delete", slog.Any("error", err))
		}
	}
}

// tables returns the current index, loading it on first access. Concurrent
// first accesses share one fetch.
func (r *Resolver) tables(ctx context.Context) (index, bool) {
	r.mu.RLock()
	if r.loaded {
		idx := r.index
		r.mu.RUnlock()
		return idx, true
	}
	r.mu.RUnlock()

	_, err, _ := r.group.Do("load", func() (interface{}, error) {
		return nil, r.load(ctx)
	})
	if err != nil {
		r.logger.Error("rbac table load failed, degrading to no permissions", slog.Any("error", err))
		return index{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index, r.loaded
}

func (r *Resolver) load(ctx context.Context) error {
	if tables, ok := r.restoreSnapshot(ctx); ok {
		r.install(tables)
		return nil
	}
	tables, err := r.source.FetchTables(ctx)
	if err != nil {
		return err
	}
	r.install(tables)
	r.storeSnapshot(ctx, tables)
	return nil
}

func (r *Resolver) install(tables Tables) {
	idx := index{
		permissions: make(map[string]Permission, len(tables.Permissions)),
		roles:       make(map[string]Role, len(tables.Roles)),
		userRoles:   make(map[string][]string),
	}
	for _, p := range tables.Permissions {
		idx.permissions[p.ID] = p
	}
	for _, role := range tables.Roles {
		idx.roles[role.ID] = role
	}
	for _, ur := range tables.UserRoles {
		idx.userRoles[ur.UserID] = append(idx.userRoles[ur.UserID], ur.RoleID)
	}
	r.mu.Lock()
	r.index = idx
	r.loaded = true
	r.mu.Unlock()
}

func (r *Resolver) restoreSnapshot(ctx context.Context) (Tables, bool) {
	if r.client == nil {
		return Tables{}, false
	}
	payload, err := r.client.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("rbac snapshot read", slog.Any("error", err))
		}
		return Tables{}, false
	}
	var tables Tables
	if err := json.Unmarshal(payload, &tables); err != nil {
		r.logger.Warn("rbac snapshot decode", slog.Any("error", err))
		return Tables{}, false
	}
	return tables, true
}

func (r *Resolver) storeSnapshot(ctx context.Context, tables Tables) {
	if r.client == nil {
		return
	}
	payload, err := json.Marshal(tables)
	if err != nil {
		r.logger.Warn("rbac snapshot encode", slog.Any("error", err))
		return
	}
	if err := r.client.Set(ctx, snapshotKey, payload, r.snapshotTTL).Err(); err != nil {
		r.logger.Warn("rbac snapshot write", slog.Any("error", err))
	}
}
