package billing

import (
	"context"
	"fmt"

	"propsight/internal/types"
)

// UsageLedger is the storage interface for the per-period analysis counter.
// Implemented by UsageRepo in internal/db.
type UsageLedger interface {
	// CheckAndIncrement atomically increments the user's counter for the
	// period if and only if limit is 0 (unlimited) or the stored count is
	// below limit. It returns the counter value after the operation and
	// whether the increment was applied.
	//
	// The check and the increment MUST be a single storage-level conditional
	// update. Implementations that read, compare, and write in separate
	// statements are incorrect under concurrency.
	CheckAndIncrement(ctx context.Context, userID string, period types.BillingPeriod, limit int) (count int, allowed bool, err error)

	// CurrentCount returns the counter for the period, 0 when no row exists.
	CurrentCount(ctx context.Context, userID string, period types.BillingPeriod) (int, error)
}

// DecisionRecorder receives authorization outcomes for telemetry.
// Implementations must not fail the request path.
type DecisionRecorder interface {
	RecordAuthorization(ctx context.Context, plan types.PlanTier, allowed bool)
}

// Decision is the outcome of an authorization request.
//
// A denied Decision is a normal business outcome carried in the struct, not
// an error: callers branch on Allowed and surface Reason to the client.
// System failures (storage down, corrupt period state) are returned as
// errors instead, and always deny.
type Decision struct {
	Allowed bool

	// PlanAtTime is the plan tier in effect at the moment of the decision.
	// Callers stamp it onto the created record for historical accuracy.
	PlanAtTime types.PlanTier

	// Period is the billing period the usage was charged against.
	Period types.BillingPeriod

	// Count is the ledger value after the decision: the new count when
	// allowed, the unchanged count when denied.
	Count int

	// Reason and Message are populated only when Allowed is false.
	Reason  types.RejectionReason
	Message string
}

// Gate is the single enforcement point for analysis creation. Every creation
// path goes through AuthorizeAnalysisCreation before any record is written.
type Gate struct {
	resolver *Resolver
	ledger   UsageLedger
	plans    PlanRegistry
	clock    types.Clock
	metrics  DecisionRecorder
	logger   types.Logger
}

// NewGate constructs the enforcement gate. metrics and logger may be nil.
func NewGate(resolver *Resolver, ledger UsageLedger, plans PlanRegistry, clock types.Clock, metrics DecisionRecorder, logger types.Logger) *Gate {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Gate{
		resolver: resolver,
		ledger:   ledger,
		plans:    plans,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

// AuthorizeAnalysisCreation decides whether the user may create one more
// analysis, consuming one unit of quota when allowed.
//
// Flow:
//  1. Resolve the effective subscription (free fallback included).
//  2. Resolve the billing period for that subscription.
//  3. Look up the plan's analysis limit (0 = unlimited).
//  4. Atomically check-and-increment the ledger for (user, period).
//
// Any error from storage denies the request: this path fails closed.
func (g *Gate) AuthorizeAnalysisCreation(ctx context.Context, userID string) (*Decision, error) {
	if userID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "authorization requires an authenticated user", nil)
	}

	sub, err := g.resolver.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := g.clock.Now()
	period, err := PeriodForSubscription(sub, now)
	if err != nil {
		return nil, err
	}

	limits := g.plans.GetLimits(sub.Plan)

	count, allowed, err := g.ledger.CheckAndIncrement(ctx, userID, period, limits.MaxAnalyses)
	if err != nil {
		return nil, err
	}

	decision := &Decision{
		Allowed:    allowed,
		PlanAtTime: sub.Plan,
		Period:     period,
		Count:      count,
	}
	if !allowed {
		decision.Reason = types.RejectionQuotaExceeded
		decision.Message = fmt.Sprintf(
			"analysis limit of %d per billing period reached on the %s plan; upgrade to create more analyses",
			limits.MaxAnalyses, sub.Plan,
		)
	}

	g.record(ctx, decision)
	return decision, nil
}

// record emits telemetry and a structured log line for the decision.
// Both are best-effort and never affect the outcome.
func (g *Gate) record(ctx context.Context, d *Decision) {
	if g.metrics != nil {
		g.metrics.RecordAuthorization(ctx, d.PlanAtTime, d.Allowed)
	}
	if g.logger != nil {
		g.logger.Info("analysis authorization decided",
			"allowed", d.Allowed,
			"plan", string(d.PlanAtTime),
			"count", d.Count,
			"period_start", d.Period.Start,
		)
	}
}
