package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RecentTenantLimit caps how many recently selected tenants are remembered
// for admin tooling.
const RecentTenantLimit = 5

// RecentTenant is one entry in the most-recently-selected tenant list.
type RecentTenant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SelectedAt time.Time `json:"selected_at"`
}

// RecentTenants persists the per-user list of recently selected tenants,
// most recent first, de-duplicated by tenant id.
type RecentTenants struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRecentTenants constructs the store.
func NewRecentTenants(client *redis.Client, ttl time.Duration) *RecentTenants {
	return &RecentTenants{client: client, ttl: ttl}
}

func (r *RecentTenants) key(userID string) string {
	return fmt.Sprintf("recents:tenants:%s", userID)
}

// Record pushes a tenant to the front of the user's list, dropping any prior
// entry with the same id and trimming to RecentTenantLimit.
func (r *RecentTenants) Record(ctx context.Context, userID string, tenant RecentTenant) error {
	if r == nil || r.client == nil {
		return nil
	}
	if tenant.SelectedAt.IsZero() {
		tenant.SelectedAt = time.Now().UTC()
	}
	current, err := r.List(ctx, userID)
	if err != nil {
		return err
	}
	next := make([]RecentTenant, 0, RecentTenantLimit)
	next = append(next, tenant)
	for _, t := range current {
		if t.ID == tenant.ID {
			continue
		}
		next = append(next, t)
		if len(next) == RecentTenantLimit {
			break
		}
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(userID), payload, r.ttl).Err()
}

// List returns the user's recent tenants, most recent first.
func (r *RecentTenants) List(ctx context.Context, userID string) ([]RecentTenant, error) {
	if r == nil || r.client == nil {
		return nil, nil
	}
	payload, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var tenants []RecentTenant
	if err := json.Unmarshal(payload, &tenants); err != nil {
		return nil, fmt.Errorf("shared: decode recent tenants: %w", ErrCacheEntry)
	}
	if len(tenants) > RecentTenantLimit {
		tenants = tenants[:RecentTenantLimit]
	}
	return tenants, nil
}

// Clear removes the user's recent tenant list, used at sign-out.
func (r *RecentTenants) Clear(ctx context.Context, userID string) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Del(ctx, r.key(userID)).Err()
}
