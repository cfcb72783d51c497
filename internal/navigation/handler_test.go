package navigation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

type memoryStore struct {
	enabled map[string][]string
}

func (m memoryStore) TenantEnabledFeatures(ctx context.Context, tenantID string) ([]string, error) {
	return append([]string(nil), m.enabled[tenantID]...), nil
}

func (m memoryStore) SetFeatureState(ctx context.Context, tenantID, key string, enabled bool) error {
	return nil
}

func (m memoryStore) BulkSetFeatureState(ctx context.Context, tenantID string, states map[string]bool) error {
	return nil
}

func (m memoryStore) AppendAudit(ctx context.Context, rec features.AuditRecord) error { return nil }

func (m memoryStore) AuditLog(ctx context.Context, tenantID string, limit int) ([]features.AuditRecord, error) {
	return nil, nil
}

func (m memoryStore) TenantIDs(ctx context.Context) ([]string, error) { return nil, nil }

func newRouter(t *testing.T, enabled []string) chi.Router {
	t.Helper()
	catalog, err := features.NewCatalog([]features.Definition{
		{Key: "dashboard", Name: "Dashboard", Category: features.CategoryFree},
		{Key: "reporting", Name: "Reporting", Category: features.CategoryPaid},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	tree, err := ParseTree([]byte(`{
		"items": [
			{"key": "dashboard", "type": "item", "title": "Dashboard", "path": "/dashboard"},
			{"key": "reports", "type": "item", "title": "Reports", "path": "/reports"}
		],
		"menu_features": {"reports": ["reporting"]}
	}`), catalog.KeySet())
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := features.NewService(features.ServiceParams{
		Catalog: catalog,
		Store:   memoryStore{enabled: map[string][]string{"t-1": enabled}},
		MenuMap: tree.MenuMap,
		Logger:  logger,
	})
	r := chi.NewRouter()
	NewHandler(tree, svc, logger).Routes(r)
	return r
}

func doRequest(router chi.Router, method, target string, principal *shared.Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if principal != nil {
		req = req.WithContext(shared.ContextWithPrincipal(req.Context(), principal))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestGetNavigationFiltersByEnablement(t *testing.T) {
	router := newRouter(t, nil) // reporting disabled
	principal := &shared.Principal{UserID: "u-1", TenantID: "t-1"}

	rec := doRequest(router, http.MethodGet, "/navigation", principal)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Items   []Node `json:"items"`
		Loading bool   `json:"loading"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Key != "dashboard" {
		t.Fatalf("expected only dashboard to survive, got %+v", resp.Items)
	}
	if resp.Loading {
		t.Fatal("tree should be served against a warmed snapshot")
	}
}

func TestGetNavigationIncludesEnabledFeatures(t *testing.T) {
	router := newRouter(t, []string{"reporting"})
	principal := &shared.Principal{UserID: "u-1", TenantID: "t-1"}

	rec := doRequest(router, http.MethodGet, "/navigation", principal)
	var resp struct {
		Items []Node `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected both items, got %+v", resp.Items)
	}
}

func TestGetNavigationRequiresPrincipal(t *testing.T) {
	router := newRouter(t, nil)
	rec := doRequest(router, http.MethodGet, "/navigation", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRefreshReturnsFreshTree(t *testing.T) {
	router := newRouter(t, []string{"reporting"})
	principal := &shared.Principal{UserID: "u-1", TenantID: "t-1"}

	rec := doRequest(router, http.MethodPost, "/navigation/refresh", principal)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Items []Node `json:"items"`
		Stale bool   `json:"stale"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Stale {
		t.Fatal("a just-refreshed tree must not be stale")
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected full tree, got %+v", resp.Items)
	}
}

func TestClearCache(t *testing.T) {
	router := newRouter(t, []string{"reporting"})
	principal := &shared.Principal{UserID: "u-1", TenantID: "t-1"}

	if rec := doRequest(router, http.MethodGet, "/navigation", principal); rec.Code != http.StatusOK {
		t.Fatalf("warm request failed: %d", rec.Code)
	}
	rec := doRequest(router, http.MethodDelete, "/navigation/cache", principal)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
