package features

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehouse-io/gatehouse/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for tenant feature state
// and the audit trail.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TenantEnabledFeatures returns the keys explicitly enabled for a tenant.
func (r *Repository) TenantEnabledFeatures(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT feature_key FROM tenant_features WHERE tenant_id = $1 AND enabled ORDER BY feature_key`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("features: query tenant features: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// SetFeatureState upserts a single tenant feature flag.
func (r *Repository) SetFeatureState(ctx context.Context, tenantID, key string, enabled bool) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tenant_features (tenant_id, feature_key, enabled, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_id, feature_key)
		 DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`,
		tenantID, key, enabled)
	if err != nil {
		return fmt.Errorf("features: set feature state: %w", err)
	}
	return nil
}

// BulkSetFeatureState applies a set of flag changes in one transaction so a
// partial failure leaves the stored state untouched.
func (r *Repository) BulkSetFeatureState(ctx context.Context, tenantID string, states map[string]bool) error {
	keys := make([]string, 0, len(states))
	for key := range states {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		for _, key := range keys {
			if _, err := tx.Exec(ctx,
				`INSERT INTO tenant_features (tenant_id, feature_key, enabled, updated_at)
				 VALUES ($1, $2, $3, now())
				 ON CONFLICT (tenant_id, feature_key)
				 DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`,
				tenantID, key, states[key]); err != nil {
				return fmt.Errorf("features: bulk set %q: %w", key, err)
			}
		}
		return nil
	})
}

// AppendAudit records one feature state transition.
func (r *Repository) AppendAudit(ctx context.Context, rec AuditRecord) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO feature_audit (id, tenant_id, user_id, action, feature_keys, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.TenantID, rec.UserID, rec.Action, rec.FeatureKeys, rec.Reason, rec.At)
	if err != nil {
		return fmt.Errorf("features: append audit: %w", err)
	}
	return nil
}

// AuditLog returns the most recent transitions for a tenant, newest first.
func (r *Repository) AuditLog(ctx context.Context, tenantID string, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, user_id, action, feature_keys, reason, at
		 FROM feature_audit WHERE tenant_id = $1 ORDER BY at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("features: query audit log: %w", err)
	}
	defer rows.Close()
	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.UserID, &rec.Action, &rec.FeatureKeys, &rec.Reason, &rec.At); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// TenantIDs lists every tenant with stored feature state, used by the
// warmup job.
func (r *Repository) TenantIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT tenant_id FROM tenant_features ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("features: query tenant ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
