package features

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Store is the persistence surface the service depends on.
type Store interface {
	TenantEnabledFeatures(ctx context.Context, tenantID string) ([]string, error)
	SetFeatureState(ctx context.Context, tenantID, key string, enabled bool) error
	BulkSetFeatureState(ctx context.Context, tenantID string, states map[string]bool) error
	AppendAudit(ctx context.Context, rec AuditRecord) error
	AuditLog(ctx context.Context, tenantID string, limit int) ([]AuditRecord, error)
	TenantIDs(ctx context.Context) ([]string, error)
}

// RefreshScheduler enqueues a background refresh for a tenant's enabled set.
// When absent the service falls back to an in-process goroutine.
type RefreshScheduler interface {
	ScheduleRefresh(ctx context.Context, tenantID string) error
}

// TTLConfig groups the cache expiry windows per payload class. These are
// configuration values, not per-call-site constants.
type TTLConfig struct {
	EnabledSet time.Duration
	AdminList  time.Duration
	AuditLog   time.Duration
	MaxEntries int
}

// ServiceParams collects the dependencies for NewService.
type ServiceParams struct {
	Catalog   *Catalog
	Store     Store
	MenuMap   map[string][]string
	Events    *Emitter
	Logger    *slog.Logger
	TTL       TTLConfig
	Scheduler RefreshScheduler
	Metrics   *observability.Metrics
}

// Service resolves feature access for principals: it combines the static
// catalog, the tenant's cached enabled set, and the principal's roles, and
// owns the admin-side enable/disable/bulk transitions.
type Service struct {
	catalog   *Catalog
	store     Store
	menuMap   map[string][]string
	enabled   *Cache[map[string]struct{}]
	adminList *Cache[[]FeatureState]
	audit     *Cache[[]AuditRecord]
	events    *Emitter
	logger    *slog.Logger
	ttl       TTLConfig
	scheduler RefreshScheduler
	metrics   *observability.Metrics
}

// NewService constructs the resolver.
func NewService(params ServiceParams) *Service {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := params.TTL
	if ttl.EnabledSet <= 0 {
		ttl.EnabledSet = 5 * time.Minute
	}
	if ttl.AdminList <= 0 {
		ttl.AdminList = 10 * time.Minute
	}
	if ttl.AuditLog <= 0 {
		ttl.AuditLog = 2 * time.Minute
	}
	menuMap := make(map[string][]string, len(params.MenuMap))
	for key, features := range params.MenuMap {
		menuMap[key] = append([]string(nil), features...)
	}
	return &Service{
		catalog:   params.Catalog,
		store:     params.Store,
		menuMap:   menuMap,
		enabled:   NewCache[map[string]struct{}](ttl.MaxEntries),
		adminList: NewCache[[]FeatureState](ttl.MaxEntries),
		audit:     NewCache[[]AuditRecord](ttl.MaxEntries),
		events:    params.Events,
		logger:    logger,
		ttl:       ttl,
		scheduler: params.Scheduler,
		metrics:   params.Metrics,
	}
}

// Catalog exposes the static definition table.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// HasFeatureAccess evaluates access against the current cache snapshot. A
// missing or stale snapshot triggers a background refresh; the caller gets
// the answer derivable right now (fail-closed for uncached paid features,
// always granted for free ones).
func (s *Service) HasFeatureAccess(ctx context.Context, principal *shared.Principal, key string) Access {
	set, loaded := s.snapshot(ctx, principal)
	access := s.evaluate(principal, key, set, loaded)
	s.metrics.ObserveFeatureCheck(access.Granted, access.Reason)
	return access
}

// CheckFeatureAccess is the fetching variant: on a cache miss it refreshes
// the tenant's enabled set synchronously before evaluating. A fetch failure
// degrades to the snapshot answer rather than surfacing the error detail.
func (s *Service) CheckFeatureAccess(ctx context.Context, principal *shared.Principal, key string) Access {
	if principal.Authenticated() {
		if _, ok := s.enabled.Get(s.enabledKey(principal.TenantID)); !ok {
			if err := s.Refresh(ctx, principal.TenantID); err != nil {
				s.logger.Warn("feature set refresh failed",
					slog.String("tenant", principal.TenantID), slog.Any("error", err))
			}
		}
	}
	return s.HasFeatureAccess(ctx, principal, key)
}

// HasMenuAccess reports whether the principal may see the menu node with the
// given key. Unmapped menu keys default to allow: such nodes are governed
// purely by the role checks the tree filter applies.
// TODO: confirm the default-allow on unmapped keys with the feature owner.
func (s *Service) HasMenuAccess(ctx context.Context, principal *shared.Principal, menuKey string) bool {
	mapped, ok := s.menuMap[menuKey]
	if !ok || len(mapped) == 0 {
		return true
	}
	for _, featureKey := range mapped {
		if s.HasFeatureAccess(ctx, principal, featureKey).Granted {
			return true
		}
	}
	return false
}

// SnapshotInfo reports the state of the tenant's cached enabled set without
// touching it: when it was fetched, whether it is past TTL, and whether it
// exists at all.
func (s *Service) SnapshotInfo(tenantID string) (fetchedAt time.Time, stale, loaded bool) {
	entry, ok := s.enabled.Get(s.enabledKey(tenantID))
	if !ok {
		return time.Time{}, false, false
	}
	return entry.FetchedAt, entry.Stale(time.Now()), true
}

// snapshot returns the tenant's cached enabled set. Absent or stale entries
// schedule a background refresh; stale data is still served.
func (s *Service) snapshot(ctx context.Context, principal *shared.Principal) (map[string]struct{}, bool) {
	if !principal.Authenticated() {
		return nil, false
	}
	entry, ok := s.enabled.Get(s.enabledKey(principal.TenantID))
	if !ok {
		s.metrics.ObserveCacheRead("enabled_set", "miss")
		s.scheduleRefresh(principal.TenantID)
		return nil, false
	}
	if entry.Stale(time.Now()) {
		s.metrics.ObserveCacheRead("enabled_set", "stale")
		s.scheduleRefresh(principal.TenantID)
	} else {
		s.metrics.ObserveCacheRead("enabled_set", "hit")
	}
	return entry.Data, true
}

func (s *Service) evaluate(principal *shared.Principal, key string, set map[string]struct{}, loaded bool) Access {
	access := Access{Key: key}
	if s.catalog.IsFree(key) {
		access.Granted = true
		access.Free = true
		access.Category = CategoryFree
		access.Reason = ReasonFreeFeature
		return access
	}
	if !principal.Authenticated() {
		access.Reason = ReasonUnauthenticated
		return access
	}
	def, ok := s.catalog.Definition(key)
	if !ok {
		access.Reason = ReasonNotFound
		return access
	}
	access.Category = def.Category
	if !loaded {
		access.Reason = ReasonNotLoaded
		access.Pending = true
		return access
	}
	if len(def.RequiredRoles) > 0 && !principal.HasAnyRole(def.RequiredRoles...) {
		access.Reason = ReasonInsufficientRoles
		return access
	}
	if _, enabled := set[key]; !enabled {
		access.Reason = ReasonNotEnabled
		access.Upgrade = def.Category == CategoryPaid
		return access
	}
	if missing := s.unmetDependency(key, set, make(map[string]bool)); missing != "" {
		access.Reason = fmt.Sprintf("dependency not met: %s", missing)
		access.Upgrade = def.Category == CategoryPaid
		return access
	}
	access.Granted = true
	return access
}

// unmetDependency walks the dependency chain of key and returns the first
// transitive dependency that is not effectively enabled, or "". Free
// dependencies always count as enabled. The catalog guarantees a DAG.
func (s *Service) unmetDependency(key string, set map[string]struct{}, seen map[string]bool) string {
	if seen[key] {
		return ""
	}
	seen[key] = true
	def, ok := s.catalog.Definition(key)
	if !ok {
		return ""
	}
	for _, dep := range def.Dependencies {
		if s.catalog.IsFree(dep) {
			continue
		}
		if _, enabled := set[dep]; !enabled {
			return dep
		}
		if missing := s.unmetDependency(dep, set, seen); missing != "" {
			return missing
		}
	}
	return ""
}

// Refresh fetches the tenant's enabled set and atomically replaces the
// cached entry. Concurrent refreshes for the same tenant are deliberately
// not coalesced; the last fetch to resolve wins.
func (s *Service) Refresh(ctx context.Context, tenantID string) error {
	keys, err := s.store.TenantEnabledFeatures(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("features: refresh tenant %s: %w", tenantID, shared.ErrFetchFailed)
	}
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	s.enabled.Set(s.enabledKey(tenantID), set, s.ttl.EnabledSet)
	s.events.Emit(ctx, Event{
		Type:        EventRefreshed,
		TenantID:    tenantID,
		FeatureKeys: keys,
	})
	return nil
}

// Warm refreshes the tenant's set, tolerating failure: free features stay
// available and paid features fail closed until a later refresh succeeds.
func (s *Service) Warm(ctx context.Context, tenantID string) {
	if err := s.Refresh(ctx, tenantID); err != nil {
		s.logger.Warn("feature warmup failed", slog.String("tenant", tenantID), slog.Any("error", err))
	}
}

func (s *Service) scheduleRefresh(tenantID string) {
	if s.scheduler != nil {
		err := s.scheduler.ScheduleRefresh(context.Background(), tenantID)
		if err == nil {
			return
		}
		s.logger.Warn("schedule refresh", slog.String("tenant", tenantID), slog.Any("error", err))
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.Refresh(ctx, tenantID); err != nil {
			s.logger.Warn("background refresh failed", slog.String("tenant", tenantID), slog.Any("error", err))
		}
	}()
}

// SignOut synchronously drops every cache entry scoped to the principal's
// tenant so a following sign-in can never observe another tenant's data.
func (s *Service) SignOut(ctx context.Context, principal *shared.Principal) {
	if principal == nil {
		return
	}
	s.invalidateTenant(ctx, principal.TenantID, principal.UserID, "sign-out")
}

// InvalidateTenant drops the tenant's cached state and announces it.
func (s *Service) InvalidateTenant(ctx context.Context, tenantID, userID string) {
	s.invalidateTenant(ctx, tenantID, userID, "manual invalidation")
}

func (s *Service) invalidateTenant(ctx context.Context, tenantID, userID, reason string) {
	s.enabled.Invalidate(s.enabledKey(tenantID))
	s.adminList.Invalidate(s.adminKey(tenantID))
	s.audit.Invalidate(s.auditKey(tenantID))
	s.events.Emit(ctx, Event{
		Type:     EventCacheInvalidated,
		TenantID: tenantID,
		UserID:   userID,
		Reason:   reason,
	})
}

// InvalidateAll clears every cached entry across tenants.
func (s *Service) InvalidateAll(ctx context.Context, userID string) {
	s.enabled.InvalidateAll()
	s.adminList.InvalidateAll()
	s.audit.InvalidateAll()
	s.events.Emit(ctx, Event{
		Type:   EventCacheInvalidated,
		UserID: userID,
		Reason: "full cache clear",
	})
}

// EnableFeature turns a feature on for the principal's tenant. Paid features
// require every transitive dependency to already be effectively enabled. A
// failed store write leaves cache and state untouched.
func (s *Service) EnableFeature(ctx context.Context, principal *shared.Principal, tenantID, key string) error {
	def, ok := s.catalog.Definition(key)
	if !ok {
		return fmt.Errorf("features: %q: %w", key, shared.ErrNotFound)
	}
	stored, err := s.storedSet(ctx, tenantID)
	if err != nil {
		return err
	}
	if def.Category == CategoryPaid {
		stored[key] = struct{}{}
		if missing := s.unmetDependency(key, stored, make(map[string]bool)); missing != "" {
			return fmt.Errorf("features: enable %q requires %q: %w", key, missing, shared.ErrDependencyNotMet)
		}
	}
	if err := s.store.SetFeatureState(ctx, tenantID, key, true); err != nil {
		return err
	}
	s.recordTransition(ctx, principal, tenantID, "enable", []string{key}, "")
	s.afterWrite(ctx, tenantID)
	s.events.Emit(ctx, Event{
		Type:       EventFeatureEnabled,
		TenantID:   tenantID,
		FeatureKey: key,
		UserID:     actorID(principal),
	})
	return nil
}

// DisableFeature turns a feature off. When other enabled features depend on
// it the call fails unless cascade is set, in which case the whole dependent
// closure is disabled in one transaction.
func (s *Service) DisableFeature(ctx context.Context, principal *shared.Principal, tenantID, key string, cascade bool) error {
	if _, ok := s.catalog.Definition(key); !ok {
		return fmt.Errorf("features: %q: %w", key, shared.ErrNotFound)
	}
	stored, err := s.storedSet(ctx, tenantID)
	if err != nil {
		return err
	}
	dependents := s.enabledDependents(key, stored)
	affected := []string{key}
	if len(dependents) > 0 {
		if !cascade {
			return fmt.Errorf("features: disable %q blocked by dependents %s: %w",
				key, strings.Join(dependents, ", "), shared.ErrDependencyNotMet)
		}
		affected = append(affected, dependents...)
	}
	if len(affected) == 1 {
		if err := s.store.SetFeatureState(ctx, tenantID, key, false); err != nil {
			return err
		}
	} else {
		states := make(map[string]bool, len(affected))
		for _, k := range affected {
			states[k] = false
		}
		if err := s.store.BulkSetFeatureState(ctx, tenantID, states); err != nil {
			return err
		}
	}
	s.recordTransition(ctx, principal, tenantID, "disable", affected, "")
	s.afterWrite(ctx, tenantID)
	s.events.Emit(ctx, Event{
		Type:        EventFeatureDisabled,
		TenantID:    tenantID,
		FeatureKey:  key,
		FeatureKeys: affected,
		UserID:      actorID(principal),
	})
	return nil
}

// BulkUpdate applies a set of flag changes atomically. Unknown keys reject
// the whole batch before anything is written.
func (s *Service) BulkUpdate(ctx context.Context, principal *shared.Principal, tenantID string, changes map[string]bool) error {
	if len(changes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(changes))
	for key := range changes {
		if _, ok := s.catalog.Definition(key); !ok {
			return fmt.Errorf("features: %q: %w", key, shared.ErrNotFound)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	if err := s.store.BulkSetFeatureState(ctx, tenantID, changes); err != nil {
		return err
	}
	s.recordTransition(ctx, principal, tenantID, "bulk-update", keys, "")
	s.afterWrite(ctx, tenantID)
	s.events.Emit(ctx, Event{
		Type:        EventBulkUpdated,
		TenantID:    tenantID,
		FeatureKeys: keys,
		UserID:      actorID(principal),
	})
	return nil
}

// AdminFeatureList returns every definition with its stored and effective
// state for the tenant, cached under the admin payload class.
func (s *Service) AdminFeatureList(ctx context.Context, tenantID string) ([]FeatureState, error) {
	if entry, ok := s.adminList.Get(s.adminKey(tenantID)); ok && !entry.Stale(time.Now()) {
		s.metrics.ObserveCacheRead("admin_list", "hit")
		return entry.Data, nil
	}
	s.metrics.ObserveCacheRead("admin_list", "miss")
	stored, err := s.storedSet(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	states := make([]FeatureState, 0, len(s.catalog.keys))
	for _, def := range s.catalog.Definitions() {
		_, enabled := stored[def.Key]
		effective := def.Category == CategoryFree ||
			(enabled && s.unmetDependency(def.Key, stored, make(map[string]bool)) == "")
		states = append(states, FeatureState{Definition: def, Enabled: enabled, Effective: effective})
	}
	s.adminList.Set(s.adminKey(tenantID), states, s.ttl.AdminList)
	return states, nil
}

// TenantAuditLog returns the recent transition records, cached under the
// audit payload class.
func (s *Service) TenantAuditLog(ctx context.Context, tenantID string, limit int) ([]AuditRecord, error) {
	if entry, ok := s.audit.Get(s.auditKey(tenantID)); ok && !entry.Stale(time.Now()) {
		s.metrics.ObserveCacheRead("audit_log", "hit")
		return entry.Data, nil
	}
	s.metrics.ObserveCacheRead("audit_log", "miss")
	records, err := s.store.AuditLog(ctx, tenantID, limit)
	if err != nil {
		return nil, err
	}
	s.audit.Set(s.auditKey(tenantID), records, s.ttl.AuditLog)
	return records, nil
}

// TenantIDs lists tenants with stored state, used by the warmup job.
func (s *Service) TenantIDs(ctx context.Context) ([]string, error) {
	return s.store.TenantIDs(ctx)
}

func (s *Service) storedSet(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	keys, err := s.store.TenantEnabledFeatures(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("features: load tenant %s: %w", tenantID, shared.ErrFetchFailed)
	}
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		set[key] = struct{}{}
	}
	return set, nil
}

// enabledDependents returns the enabled features whose dependency closure
// includes key, so disabling key would strand them.
func (s *Service) enabledDependents(key string, stored map[string]struct{}) []string {
	var dependents []string
	for _, def := range s.catalog.Definitions() {
		if def.Key == key {
			continue
		}
		if _, enabled := stored[def.Key]; !enabled {
			continue
		}
		if s.dependsOn(def.Key, key, make(map[string]bool)) {
			dependents = append(dependents, def.Key)
		}
	}
	sort.Strings(dependents)
	return dependents
}

func (s *Service) dependsOn(key, target string, seen map[string]bool) bool {
	if seen[key] {
		return false
	}
	seen[key] = true
	def, ok := s.catalog.Definition(key)
	if !ok {
		return false
	}
	for _, dep := range def.Dependencies {
		if dep == target || s.dependsOn(dep, target, seen) {
			return true
		}
	}
	return false
}

func (s *Service) recordTransition(ctx context.Context, principal *shared.Principal, tenantID, action string, keys []string, reason string) {
	rec := AuditRecord{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		UserID:      actorID(principal),
		Action:      action,
		FeatureKeys: keys,
		Reason:      reason,
		At:          time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, rec); err != nil {
		s.logger.Warn("append feature audit", slog.String("tenant", tenantID), slog.Any("error", err))
	}
	s.audit.Invalidate(s.auditKey(tenantID))
}

// afterWrite refreshes the tenant's cached set so readers observe the new
// state immediately, and drops the derived admin listing.
func (s *Service) afterWrite(ctx context.Context, tenantID string) {
	s.adminList.Invalidate(s.adminKey(tenantID))
	if err := s.Refresh(ctx, tenantID); err != nil {
		s.logger.Warn("post-write refresh failed", slog.String("tenant", tenantID), slog.Any("error", err))
	}
}

func (s *Service) enabledKey(tenantID string) string { return "enabled:" + tenantID }
func (s *Service) adminKey(tenantID string) string   { return "admin:" + tenantID }
func (s *Service) auditKey(tenantID string) string   { return "audit:" + tenantID }

func actorID(principal *shared.Principal) string {
	if principal == nil {
		return ""
	}
	return principal.UserID
}
