package features

import "time"

// Category classifies a feature as free tier or paid entitlement.
type Category string

const (
	// CategoryFree features are always available to authenticated principals.
	CategoryFree Category = "free"
	// CategoryPaid features require tenant enablement and met dependencies.
	CategoryPaid Category = "paid"
)

// Definition describes one licensable feature. The table is loaded once at
// startup and immutable afterwards.
type Definition struct {
	Key           string   `json:"key" validate:"required"`
	Name          string   `json:"name" validate:"required"`
	Description   string   `json:"description"`
	Category      Category `json:"category" validate:"required,oneof=free paid"`
	MenuPath      string   `json:"menu_path"`
	RequiredRoles []string `json:"required_roles"`
	Dependencies  []string `json:"dependencies"`
}

// Access is the outcome of a single feature access evaluation. Reason is
// always human readable and never carries raw upstream error detail.
type Access struct {
	Key      string   `json:"feature_key"`
	Granted  bool     `json:"can_access"`
	Reason   string   `json:"reason,omitempty"`
	Free     bool     `json:"is_free_feature"`
	Category Category `json:"category,omitempty"`
	Upgrade  bool     `json:"upgrade_available,omitempty"`
	Pending  bool     `json:"pending,omitempty"`
}

// Denial reasons surfaced to callers.
const (
	ReasonFreeFeature       = "free feature"
	ReasonNotFound          = "unknown feature"
	ReasonInsufficientRoles = "insufficient role permissions"
	ReasonNotEnabled        = "feature not enabled for tenant"
	ReasonNotLoaded         = "feature enablement not loaded yet"
	ReasonUnauthenticated   = "not authenticated"
)

// TenantState is the per-tenant enablement snapshot as persisted.
type TenantState struct {
	TenantID string          `json:"tenant_id"`
	Enabled  map[string]bool `json:"enabled"`
}

// FeatureState pairs a definition with its effective state for one tenant,
// as returned by the admin listing.
type FeatureState struct {
	Definition Definition `json:"definition"`
	Enabled    bool       `json:"enabled"`
	Effective  bool       `json:"effective"`
}

// AuditRecord captures one feature state transition for the admin timeline.
type AuditRecord struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id"`
	Action      string    `json:"action"`
	FeatureKeys []string  `json:"feature_keys"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}
