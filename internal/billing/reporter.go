package billing

import (
	"context"

	"propsight/internal/types"
)

// UsageReporter summarizes current-period consumption for dashboard views.
type UsageReporter interface {
	// GetCurrentUsage returns the user's counter against the plan limit for
	// the billing period in effect right now.
	GetCurrentUsage(ctx context.Context, userID string) (*types.UsageSummary, error)
}

// usageReporterImpl implements UsageReporter on top of the same resolver and
// ledger the enforcement gate uses, so the dashboard and the gate can never
// disagree about which period or limit applies.
type usageReporterImpl struct {
	resolver *Resolver
	ledger   UsageLedger
	plans    PlanRegistry
	clock    types.Clock
}

// NewUsageReporter creates the standard UsageReporter implementation.
func NewUsageReporter(resolver *Resolver, ledger UsageLedger, plans PlanRegistry, clock types.Clock) *usageReporterImpl {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &usageReporterImpl{resolver: resolver, ledger: ledger, plans: plans, clock: clock}
}

// Compile-time interface assertion.
var _ UsageReporter = (*usageReporterImpl)(nil)

// GetCurrentUsage resolves the effective subscription, derives its billing
// period, and reads the ledger counter for that period.
func (r *usageReporterImpl) GetCurrentUsage(ctx context.Context, userID string) (*types.UsageSummary, error) {
	sub, err := r.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	period, err := PeriodForSubscription(sub, now)
	if err != nil {
		return nil, err
	}

	used, err := r.ledger.CurrentCount(ctx, userID, period)
	if err != nil {
		return nil, err
	}

	limits := r.plans.GetLimits(sub.Plan)

	return &types.UsageSummary{
		Plan:        sub.Plan,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Used:        used,
		Limit:       limits.MaxAnalyses,
		Unlimited:   limits.MaxAnalyses == 0,
		NextReset:   period.End,
	}, nil
}
