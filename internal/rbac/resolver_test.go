package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type stubSource struct {
	mu      sync.Mutex
	tables  Tables
	err     error
	fetches int
}

func (s *stubSource) FetchTables(ctx context.Context) (Tables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return Tables{}, s.err
	}
	return s.tables, nil
}

func (s *stubSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func sampleTables() Tables {
	return Tables{
		Permissions: []Permission{
			{ID: "features:view", Name: "View features", Category: "features"},
			{ID: "features:manage", Name: "Manage features", Category: "features"},
			{ID: "billing:view", Name: "View billing", Category: "billing"},
		},
		Roles: []Role{
			{ID: "viewer", Name: "Viewer", Permissions: []string{"features:view"}},
			{ID: "operator", Name: "Operator", Permissions: []string{"features:view", "features:manage"}},
		},
		UserRoles: []UserRole{
			{UserID: "u-viewer", RoleID: "viewer"},
			{UserID: "u-operator", RoleID: "operator"},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHasPermissionJoinsThroughRoles(t *testing.T) {
	source := &stubSource{tables: sampleTables()}
	resolver := NewResolver(source, nil, testLogger(), time.Hour)
	ctx := context.Background()

	if !resolver.HasPermission(ctx, "u-operator", "features:manage") {
		t.Fatal("operator should hold features:manage via its role")
	}
	if resolver.HasPermission(ctx, "u-viewer", "features:manage") {
		t.Fatal("viewer must not hold features:manage")
	}
	if !resolver.HasPermission(ctx, "u-viewer", "features:view") {
		t.Fatal("viewer should hold features:view")
	}
	if resolver.HasPermission(ctx, "u-unknown", "features:view") {
		t.Fatal("unknown user must hold nothing")
	}
	if source.fetchCount() != 1 {
		t.Fatalf("tables should be fetched once, got %d", source.fetchCount())
	}
}

func TestHasRole(t *testing.T) {
	resolver := NewResolver(&stubSource{tables: sampleTables()}, nil, testLogger(), time.Hour)
	ctx := context.Background()

	if !resolver.HasRole(ctx, "u-viewer", "viewer") {
		t.Fatal("expected viewer role")
	}
	if resolver.HasRole(ctx, "u-viewer", "operator") {
		t.Fatal("viewer must not be operator")
	}
}

func TestPermissionsForRolePreservesTableOrder(t *testing.T) {
	resolver := NewResolver(&stubSource{tables: sampleTables()}, nil, testLogger(), time.Hour)
	perms := resolver.PermissionsForRole(context.Background(), "operator")
	if len(perms) != 2 {
		t.Fatalf("expected 2 permissions, got %d", len(perms))
	}
	if perms[0].ID != "features:view" || perms[1].ID != "features:manage" {
		t.Fatalf("unexpected order: %+v", perms)
	}
	if got := resolver.PermissionsForRole(context.Background(), "ghost"); got != nil {
		t.Fatalf("unknown role should resolve to nil, got %+v", got)
	}
}

func TestPermissionsByCategory(t *testing.T) {
	resolver := NewResolver(&stubSource{tables: sampleTables()}, nil, testLogger(), time.Hour)
	grouped := resolver.PermissionsByCategory(context.Background())
	if len(grouped["features"]) != 2 {
		t.Fatalf("expected 2 feature permissions, got %+v", grouped)
	}
	if len(grouped["billing"]) != 1 {
		t.Fatalf("expected 1 billing permission, got %+v", grouped)
	}
}

func TestFetchFailureDegradesToNoPermissions(t *testing.T) {
	source := &stubSource{err: errors.New("db down")}
	resolver := NewResolver(source, nil, testLogger(), time.Hour)
	ctx := context.Background()

	if resolver.HasPermission(ctx, "u-operator", "features:view") {
		t.Fatal("a failed fetch must degrade to denial")
	}

	// Recovery: a later call retries the fetch.
	source.mu.Lock()
	source.err = nil
	source.tables = sampleTables()
	source.mu.Unlock()
	if !resolver.HasPermission(ctx, "u-operator", "features:view") {
		t.Fatal("expected grant once the source recovers")
	}
}

func TestSnapshotWrittenAndRestored(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	source := &stubSource{tables: sampleTables()}
	resolver := NewResolver(source, client, testLogger(), time.Hour)
	resolver.Warm(ctx)

	payload, err := mr.Get(snapshotKey)
	if err != nil {
		t.Fatalf("expected snapshot in redis: %v", err)
	}
	var stored Tables
	if err := json.Unmarshal([]byte(payload), &stored); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(stored.Roles) != 2 {
		t.Fatalf("unexpected snapshot content: %+v", stored)
	}

	// A fresh resolver restores from the snapshot without touching the source.
	restored := NewResolver(&stubSource{err: errors.New("must not fetch")}, client, testLogger(), time.Hour)
	if !restored.HasPermission(ctx, "u-operator", "features:manage") {
		t.Fatal("expected grant from restored snapshot")
	}
}

func TestInvalidateDropsMemoryAndSnapshot(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	source := &stubSource{tables: sampleTables()}
	resolver := NewResolver(source, client, testLogger(), time.Hour)
	resolver.Warm(ctx)

	resolver.Invalidate(ctx)

	if mr.Exists(snapshotKey) {
		t.Fatal("snapshot should be deleted at invalidation")
	}
	if !resolver.HasPermission(ctx, "u-operator", "features:view") {
		t.Fatal("expected re-fetch after invalidation")
	}
	if source.fetchCount() != 2 {
		t.Fatalf("expected a second fetch after invalidation, got %d", source.fetchCount())
	}
}
