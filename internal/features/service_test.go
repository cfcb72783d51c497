package features

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-io/gatehouse/internal/shared"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStore struct {
	mu       sync.Mutex
	enabled  map[string][]string
	fetchErr error
	writeErr error

	setCalls  []string
	bulkCalls []map[string]bool
	audits    []AuditRecord
}

func (s *stubStore) TenantEnabledFeatures(ctx context.Context, tenantID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return append([]string(nil), s.enabled[tenantID]...), nil
}

func (s *stubStore) SetFeatureState(ctx context.Context, tenantID, key string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.setCalls = append(s.setCalls, key)
	s.apply(tenantID, key, enabled)
	return nil
}

func (s *stubStore) BulkSetFeatureState(ctx context.Context, tenantID string, states map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.bulkCalls = append(s.bulkCalls, states)
	for key, on := range states {
		s.apply(tenantID, key, on)
	}
	return nil
}

func (s *stubStore) apply(tenantID, key string, enabled bool) {
	if s.enabled == nil {
		s.enabled = make(map[string][]string)
	}
	current := s.enabled[tenantID]
	next := current[:0]
	for _, k := range current {
		if k != key {
			next = append(next, k)
		}
	}
	if enabled {
		next = append(next, key)
	}
	s.enabled[tenantID] = next
}

func (s *stubStore) AppendAudit(ctx context.Context, rec AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	return nil
}

func (s *stubStore) AuditLog(ctx context.Context, tenantID string, limit int) ([]AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditRecord(nil), s.audits...), nil
}

func (s *stubStore) TenantIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.enabled))
	for id := range s.enabled {
		ids = append(ids, id)
	}
	return ids, nil
}

type stubScheduler struct {
	mu      sync.Mutex
	tenants []string
}

func (s *stubScheduler) ScheduleRefresh(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = append(s.tenants, tenantID)
	return nil
}

func (s *stubScheduler) scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tenants...)
}

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog([]Definition{
		{Key: "dashboard", Name: "Dashboard", Category: CategoryFree},
		{Key: "reporting", Name: "Reporting", Category: CategoryPaid, RequiredRoles: []string{"analyst", "admin"}},
		{Key: "exports", Name: "Exports", Category: CategoryPaid, RequiredRoles: []string{"analyst", "admin"}, Dependencies: []string{"reporting"}},
		{Key: "billing", Name: "Billing", Category: CategoryPaid, RequiredRoles: []string{"admin"}},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}

func newTestService(t *testing.T, store *stubStore, opts ...func(*ServiceParams)) (*Service, *stubScheduler) {
	t.Helper()
	scheduler := &stubScheduler{}
	params := ServiceParams{
		Catalog:   testCatalog(t),
		Store:     store,
		Scheduler: scheduler,
		Logger:    discardLogger(),
		MenuMap: map[string][]string{
			"reports": {"reporting"},
			"money":   {"billing", "reporting"},
		},
	}
	for _, opt := range opts {
		opt(&params)
	}
	return NewService(params), scheduler
}

func analyst() *shared.Principal {
	return &shared.Principal{UserID: "u-1", TenantID: "t-1", Roles: []string{"analyst"}}
}

func TestFreeFeatureAlwaysGranted(t *testing.T) {
	svc, _ := newTestService(t, &stubStore{})
	ctx := context.Background()

	// Granted regardless of authentication or tenant enablement.
	for _, principal := range []*shared.Principal{nil, {}, analyst()} {
		access := svc.HasFeatureAccess(ctx, principal, "dashboard")
		if !access.Granted {
			t.Fatalf("free feature denied for principal %+v: %+v", principal, access)
		}
		if !access.Free || access.Reason != ReasonFreeFeature {
			t.Fatalf("unexpected free access shape: %+v", access)
		}
	}
}

func TestPaidFeatureDeniedUnauthenticated(t *testing.T) {
	svc, _ := newTestService(t, &stubStore{})
	access := svc.HasFeatureAccess(context.Background(), &shared.Principal{}, "reporting")
	if access.Granted || access.Reason != ReasonUnauthenticated {
		t.Fatalf("expected unauthenticated denial, got %+v", access)
	}
}

func TestUnknownFeatureDenied(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}}
	svc, _ := newTestService(t, store)
	access := svc.CheckFeatureAccess(context.Background(), analyst(), "nonexistent")
	if access.Granted || access.Reason != ReasonNotFound {
		t.Fatalf("expected unknown feature denial, got %+v", access)
	}
}

func TestSnapshotMissIsPendingAndSchedulesRefresh(t *testing.T) {
	svc, scheduler := newTestService(t, &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}})
	access := svc.HasFeatureAccess(context.Background(), analyst(), "reporting")
	if access.Granted {
		t.Fatal("uncached paid feature must fail closed")
	}
	if !access.Pending || access.Reason != ReasonNotLoaded {
		t.Fatalf("expected pending not-loaded denial, got %+v", access)
	}
	if got := scheduler.scheduled(); len(got) != 1 || got[0] != "t-1" {
		t.Fatalf("expected one scheduled refresh for t-1, got %v", got)
	}
}

func TestCheckFeatureAccessFetchesSynchronously(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}}
	svc, _ := newTestService(t, store)
	access := svc.CheckFeatureAccess(context.Background(), analyst(), "reporting")
	if !access.Granted {
		t.Fatalf("expected grant after synchronous fetch, got %+v", access)
	}
}

func TestRoleGateDeniesWithoutRequiredRole(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"billing"}}}
	svc, _ := newTestService(t, store)
	principal := analyst() // analyst is not in billing's required roles

	access := svc.CheckFeatureAccess(context.Background(), principal, "billing")
	if access.Granted || access.Reason != ReasonInsufficientRoles {
		t.Fatalf("expected role denial, got %+v", access)
	}
}

func TestDisabledPaidFeatureOffersUpgrade(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {}}}
	svc, _ := newTestService(t, store)
	access := svc.CheckFeatureAccess(context.Background(), analyst(), "reporting")
	if access.Granted || access.Reason != ReasonNotEnabled {
		t.Fatalf("expected not-enabled denial, got %+v", access)
	}
	if !access.Upgrade {
		t.Fatal("disabled paid feature should advertise upgrade")
	}
}

func TestDependencyGateDeniesWhenParentDisabled(t *testing.T) {
	// exports is enabled but its dependency reporting is not.
	store := &stubStore{enabled: map[string][]string{"t-1": {"exports"}}}
	svc, _ := newTestService(t, store)

	access := svc.CheckFeatureAccess(context.Background(), analyst(), "exports")
	if access.Granted {
		t.Fatalf("expected dependency denial, got %+v", access)
	}
	if access.Reason != "dependency not met: reporting" {
		t.Fatalf("unexpected reason: %q", access.Reason)
	}

	// Enabling the dependency flips the answer on the next refresh.
	store.mu.Lock()
	store.enabled["t-1"] = []string{"exports", "reporting"}
	store.mu.Unlock()
	if err := svc.Refresh(context.Background(), "t-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if access := svc.HasFeatureAccess(context.Background(), analyst(), "exports"); !access.Granted {
		t.Fatalf("expected grant after dependency enabled, got %+v", access)
	}
}

func TestStaleSnapshotServedWhileRefreshScheduled(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}}
	svc, scheduler := newTestService(t, store, func(p *ServiceParams) {
		p.TTL.EnabledSet = time.Nanosecond
	})
	if err := svc.Refresh(context.Background(), "t-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	time.Sleep(time.Millisecond)

	// The entry is past its TTL but the grant still comes from it.
	access := svc.HasFeatureAccess(context.Background(), analyst(), "reporting")
	if !access.Granted {
		t.Fatalf("stale snapshot should still serve, got %+v", access)
	}
	if got := scheduler.scheduled(); len(got) == 0 {
		t.Fatal("stale read should schedule a background refresh")
	}
	if _, stale, loaded := svc.SnapshotInfo("t-1"); !loaded || !stale {
		t.Fatalf("expected loaded stale snapshot, loaded=%v stale=%v", loaded, stale)
	}
}

func TestRefreshReplacesSnapshotLastResolvedWins(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	if err := svc.Refresh(ctx, "t-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	store.mu.Lock()
	store.enabled["t-1"] = nil
	store.mu.Unlock()
	if err := svc.Refresh(ctx, "t-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	access := svc.HasFeatureAccess(ctx, analyst(), "reporting")
	if access.Granted {
		t.Fatalf("cache must reflect the last resolved fetch, got %+v", access)
	}
	if access.Reason != ReasonNotEnabled {
		t.Fatalf("unexpected reason: %q", access.Reason)
	}
}

func TestRefreshFailureDegradesClosed(t *testing.T) {
	store := &stubStore{fetchErr: errors.New("db down")}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	err := svc.Refresh(ctx, "t-1")
	if !errors.Is(err, shared.ErrFetchFailed) {
		t.Fatalf("expected ErrFetchFailed, got %v", err)
	}

	// Paid features fail closed, free features stay available.
	if access := svc.CheckFeatureAccess(ctx, analyst(), "reporting"); access.Granted {
		t.Fatalf("paid feature must fail closed on fetch error, got %+v", access)
	}
	if access := svc.CheckFeatureAccess(ctx, analyst(), "dashboard"); !access.Granted {
		t.Fatalf("free feature must survive fetch error, got %+v", access)
	}
}

func TestHasMenuAccess(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}}
	svc, _ := newTestService(t, store)
	ctx := context.Background()
	principal := analyst()
	if err := svc.Refresh(ctx, "t-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if !svc.HasMenuAccess(ctx, principal, "unmapped-key") {
		t.Fatal("unmapped menu keys default to allow")
	}
	if !svc.HasMenuAccess(ctx, principal, "reports") {
		t.Fatal("reports should be visible with reporting enabled")
	}
	// "money" maps to billing OR reporting; reporting grants it for analyst.
	if !svc.HasMenuAccess(ctx, principal, "money") {
		t.Fatal("any mapped feature granting should suffice")
	}

	store.mu.Lock()
	store.enabled["t-1"] = nil
	store.mu.Unlock()
	if err := svc.Refresh(ctx, "t-1"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if svc.HasMenuAccess(ctx, principal, "reports") {
		t.Fatal("reports should hide once reporting is disabled")
	}
}

func TestEnableFeatureRejectsUnmetDependency(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {}}}
	svc, _ := newTestService(t, store)

	err := svc.EnableFeature(context.Background(), analyst(), "t-1", "exports")
	if !errors.Is(err, shared.ErrDependencyNotMet) {
		t.Fatalf("expected ErrDependencyNotMet, got %v", err)
	}
	if len(store.setCalls) != 0 {
		t.Fatal("store must not be written on rejected enable")
	}
}

func TestEnableFeatureWritesAndAudits(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	if err := svc.EnableFeature(ctx, analyst(), "t-1", "exports"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(store.setCalls) != 1 || store.setCalls[0] != "exports" {
		t.Fatalf("unexpected writes: %v", store.setCalls)
	}
	if len(store.audits) != 1 || store.audits[0].Action != "enable" {
		t.Fatalf("unexpected audit trail: %+v", store.audits)
	}
	if store.audits[0].UserID != "u-1" {
		t.Fatalf("audit should carry the acting user, got %q", store.audits[0].UserID)
	}

	// The write refreshes the snapshot, so the grant is immediate.
	if access := svc.HasFeatureAccess(ctx, analyst(), "exports"); !access.Granted {
		t.Fatalf("expected immediate grant after enable, got %+v", access)
	}
}

func TestEnableUnknownFeature(t *testing.T) {
	svc, _ := newTestService(t, &stubStore{})
	err := svc.EnableFeature(context.Background(), analyst(), "t-1", "nonexistent")
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDisableFeatureBlockedByDependents(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting", "exports"}}}
	svc, _ := newTestService(t, store)

	err := svc.DisableFeature(context.Background(), analyst(), "t-1", "reporting", false)
	if !errors.Is(err, shared.ErrDependencyNotMet) {
		t.Fatalf("expected dependent block, got %v", err)
	}
	if len(store.setCalls) != 0 && len(store.bulkCalls) != 0 {
		t.Fatal("blocked disable must not write")
	}
}

func TestDisableFeatureCascades(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting", "exports"}}}
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	if err := svc.DisableFeature(ctx, analyst(), "t-1", "reporting", true); err != nil {
		t.Fatalf("cascade disable: %v", err)
	}
	if len(store.bulkCalls) != 1 {
		t.Fatalf("expected one bulk write, got %d", len(store.bulkCalls))
	}
	states := store.bulkCalls[0]
	if on, ok := states["reporting"]; !ok || on {
		t.Fatalf("reporting should be disabled in batch: %v", states)
	}
	if on, ok := states["exports"]; !ok || on {
		t.Fatalf("exports should cascade off in batch: %v", states)
	}
	if access := svc.HasFeatureAccess(ctx, analyst(), "exports"); access.Granted {
		t.Fatalf("exports should be off after cascade, got %+v", access)
	}
}

func TestBulkUpdateRejectsUnknownKeyBeforeWriting(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {}}}
	svc, _ := newTestService(t, store)

	err := svc.BulkUpdate(context.Background(), analyst(), "t-1", map[string]bool{
		"reporting":   true,
		"nonexistent": true,
	})
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(store.bulkCalls) != 0 {
		t.Fatal("rejected batch must not reach the store")
	}
}

func TestSignOutDropsTenantCaches(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}}
	svc, _ := newTestService(t, store)
	ctx := context.Background()
	principal := analyst()

	if access := svc.CheckFeatureAccess(ctx, principal, "reporting"); !access.Granted {
		t.Fatalf("setup grant failed: %+v", access)
	}

	svc.SignOut(ctx, principal)

	if _, _, loaded := svc.SnapshotInfo("t-1"); loaded {
		t.Fatal("sign-out must drop the tenant snapshot synchronously")
	}
	access := svc.HasFeatureAccess(ctx, principal, "reporting")
	if access.Granted || !access.Pending {
		t.Fatalf("post-sign-out read should be pending, got %+v", access)
	}
}

func TestAdminFeatureListEffectiveState(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"exports", "billing"}}}
	svc, _ := newTestService(t, store)

	states, err := svc.AdminFeatureList(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	byKey := make(map[string]FeatureState, len(states))
	for _, st := range states {
		byKey[st.Definition.Key] = st
	}
	if st := byKey["dashboard"]; st.Enabled || !st.Effective {
		t.Fatalf("free feature should be effective without storage: %+v", st)
	}
	if st := byKey["billing"]; !st.Enabled || !st.Effective {
		t.Fatalf("enabled feature without deps should be effective: %+v", st)
	}
	// exports is stored enabled but reporting is off, so it is ineffective.
	if st := byKey["exports"]; !st.Enabled || st.Effective {
		t.Fatalf("enabled feature with unmet dependency must be ineffective: %+v", st)
	}
	if st := byKey["reporting"]; st.Enabled || st.Effective {
		t.Fatalf("disabled paid feature must be ineffective: %+v", st)
	}
}

func TestEventsEmittedOnTransitions(t *testing.T) {
	store := &stubStore{enabled: map[string][]string{"t-1": {"reporting"}}}
	emitter := NewEmitter(nil, discardLogger())
	svc, _ := newTestService(t, store, func(p *ServiceParams) {
		p.Events = emitter
	})
	events, cancel := emitter.Subscribe()
	defer cancel()

	if err := svc.EnableFeature(context.Background(), analyst(), "t-1", "exports"); err != nil {
		t.Fatalf("enable: %v", err)
	}

	seen := make(map[string]bool)
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	if !seen[EventFeatureEnabled] {
		t.Fatalf("expected %s event, saw %v", EventFeatureEnabled, seen)
	}
	if !seen[EventRefreshed] {
		t.Fatalf("expected %s event from post-write refresh, saw %v", EventRefreshed, seen)
	}
}
