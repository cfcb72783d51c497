// Package guard provides the access-gating primitives protected UI surfaces
// consume: route guards, inline component fallbacks, disabled-control state,
// and multi-feature combination. Every evaluation returns an explicit result
// value; denial is data, not a thrown error.
package guard

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// State is the guard state machine: Loading until every required lookup has
// settled, then Granted or Denied for the render in question.
type State string

const (
	StateLoading State = "loading"
	StateGranted State = "granted"
	StateDenied  State = "denied"
)

// Decision is the outcome of a guard evaluation.
type Decision struct {
	State  State           `json:"state"`
	Access features.Access `json:"access"`
	// Keys carries the per-key results for multi-feature evaluations.
	Keys []features.Access `json:"keys,omitempty"`
}

// Granted reports whether the guarded content may render.
func (d Decision) Granted() bool { return d.State == StateGranted }

// ControlState is the button/link guard rendering contract: the control is
// never hidden, only disabled with an explanatory tooltip.
type ControlState struct {
	Disabled bool   `json:"disabled"`
	Loading  bool   `json:"loading"`
	Tooltip  string `json:"tooltip,omitempty"`
	Upgrade  bool   `json:"upgrade_available,omitempty"`
}

// Guard evaluates feature access decisions against the feature service.
type Guard struct {
	features *features.Service
	logger   *slog.Logger
}

// New constructs a Guard.
func New(svc *features.Service, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{features: svc, logger: logger}
}

// Evaluate resolves a single feature key, fetching the tenant's enabled set
// when it has never been loaded. A still-pending enablement maps to Loading,
// everything else settles to Granted or Denied.
func (g *Guard) Evaluate(ctx context.Context, principal *shared.Principal, featureKey string) Decision {
	access := g.features.CheckFeatureAccess(ctx, principal, featureKey)
	return decisionFor(access)
}

// EvaluateSnapshot resolves a single key against the current cache snapshot
// only, never fetching. Used where a render must not block.
func (g *Guard) EvaluateSnapshot(ctx context.Context, principal *shared.Principal, featureKey string) Decision {
	access := g.features.HasFeatureAccess(ctx, principal, featureKey)
	return decisionFor(access)
}

// EvaluateAll resolves a list of feature keys and combines them with AND
// (requireAll) or OR. Free keys settle immediately. The combined state is
// never Granted under requireAll until every lookup has settled, and never
// Denied under OR while any lookup is still pending and none has granted.
func (g *Guard) EvaluateAll(ctx context.Context, principal *shared.Principal, featureKeys []string, requireAll bool) Decision {
	results := make([]features.Access, 0, len(featureKeys))
	granted, denied, pending := 0, 0, 0
	var firstDenial features.Access
	for _, key := range featureKeys {
		access := g.features.CheckFeatureAccess(ctx, principal, key)
		results = append(results, access)
		switch {
		case access.Granted:
			granted++
		case access.Pending:
			pending++
		default:
			denied++
			if firstDenial.Key == "" {
				firstDenial = access
			}
		}
	}

	decision := Decision{Keys: results}
	switch {
	case len(featureKeys) == 0:
		decision.State = StateGranted
	case requireAll && denied > 0:
		decision.State = StateDenied
		decision.Access = firstDenial
	case requireAll && pending > 0:
		decision.State = StateLoading
	case requireAll:
		decision.State = StateGranted
	case granted > 0:
		decision.State = StateGranted
	case pending > 0:
		decision.State = StateLoading
	default:
		decision.State = StateDenied
		decision.Access = firstDenial
	}
	if decision.State == StateGranted {
		// Attach the granting result, not whichever key happened to come
		// first. Under OR the first keys may well be denials.
		for _, access := range results {
			if access.Granted {
				decision.Access = access
				break
			}
		}
	}
	return decision
}

// Control maps a decision to the button/link rendering contract.
func Control(d Decision) ControlState {
	switch d.State {
	case StateGranted:
		return ControlState{}
	case StateLoading:
		return ControlState{Disabled: true, Loading: true, Tooltip: "checking feature availability"}
	default:
		return ControlState{
			Disabled: true,
			Tooltip:  d.Access.Reason,
			Upgrade:  d.Access.Upgrade,
		}
	}
}

// SafeRender runs a render callback for a guarded region and converts a
// panic into a denied-style fallback instead of letting it propagate. The
// failure is isolated to the guarded region; the reason never exposes the
// panic detail to the end user.
func (g *Guard) SafeRender(fn func() error) (decision Decision, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("guarded render panicked", slog.Any("panic", rec))
			decision = Decision{
				State: StateDenied,
				Access: features.Access{
					Reason: "this feature is currently unavailable",
				},
			}
			err = fmt.Errorf("guard: render failed: %w", shared.ErrFetchFailed)
		}
	}()
	if renderErr := fn(); renderErr != nil {
		g.logger.Warn("guarded render failed", slog.Any("error", renderErr))
		return Decision{
			State: StateDenied,
			Access: features.Access{
				Reason: "this feature is currently unavailable",
			},
		}, renderErr
	}
	return Decision{State: StateGranted}, nil
}

func decisionFor(access features.Access) Decision {
	d := Decision{Access: access}
	switch {
	case access.Granted:
		d.State = StateGranted
	case access.Pending:
		d.State = StateLoading
	default:
		d.State = StateDenied
	}
	return d
}
