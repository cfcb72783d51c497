package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/gatehouse-io/gatehouse/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskFeaturesRefresh refreshes one tenant's enabled-feature set.
	TaskFeaturesRefresh = "features:refresh"
	// TaskFeaturesWarmup refreshes every known tenant's set, run on a cron.
	TaskFeaturesWarmup = "features:warmup"
)

// FeatureRefresher is the slice of the feature service the worker needs.
type FeatureRefresher interface {
	Refresh(ctx context.Context, tenantID string) error
	TenantIDs(ctx context.Context) ([]string, error)
}

// RefreshPayload identifies the tenant whose enabled set should be refreshed.
type RefreshPayload struct {
	TenantID string `json:"tenant_id"`
}

// NewFeaturesRefreshTask constructs an Asynq task for one tenant refresh.
func NewFeaturesRefreshTask(payload RefreshPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskFeaturesRefresh, data), nil
}

// NewFeaturesWarmupTask constructs the all-tenants warmup task.
func NewFeaturesWarmupTask() *asynq.Task {
	return asynq.NewTask(TaskFeaturesWarmup, nil)
}

// RefreshHandler processes feature refresh tasks against the feature service.
type RefreshHandler struct {
	Features FeatureRefresher
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// HandleRefresh processes TaskFeaturesRefresh tasks.
func (h RefreshHandler) HandleRefresh(ctx context.Context, t *asynq.Task) error {
	tracker := h.Metrics.Track(TaskFeaturesRefresh)
	var payload RefreshPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	if payload.TenantID == "" {
		return tracker.End(asynq.SkipRetry)
	}
	if err := h.Features.Refresh(ctx, payload.TenantID); err != nil {
		h.Logger.Warn("feature refresh task", slog.String("tenant", payload.TenantID), slog.Any("error", err))
		return tracker.End(err)
	}
	return tracker.End(nil)
}

// HandleWarmup processes TaskFeaturesWarmup tasks: it refreshes every tenant
// with stored state, tolerating per-tenant failures.
func (h RefreshHandler) HandleWarmup(ctx context.Context, t *asynq.Task) error {
	tracker := h.Metrics.Track(TaskFeaturesWarmup)
	tenants, err := h.Features.TenantIDs(ctx)
	if err != nil {
		return tracker.End(err)
	}
	for _, tenantID := range tenants {
		if err := h.Features.Refresh(ctx, tenantID); err != nil {
			h.Logger.Warn("feature warmup task", slog.String("tenant", tenantID), slog.Any("error", err))
		}
	}
	return tracker.End(nil)
}
