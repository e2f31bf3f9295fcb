package billing

import (
	"context"
	"time"

	"propsight/internal/types"
)

// SubscriptionStore is the write interface for the subscription mirror.
// Implemented by SubscriptionRepo in internal/db.
//
// Both mutation methods carry the provider event timestamp and return
// applied=false when a newer event has already been applied, which makes
// re-delivery and out-of-order delivery safe.
type SubscriptionStore interface {
	UpsertFromEvent(ctx context.Context, sub *types.Subscription, eventAt time.Time) (applied bool, err error)
	UpdateStatusFromEvent(ctx context.Context, userID string, status types.SubscriptionStatus, eventAt time.Time) (applied bool, err error)

	// CancelFromEvent marks the row canceled, resets the plan to free, and
	// clears the provider subscription reference. The customer reference is
	// kept so a later re-subscription reuses the same provider customer.
	CancelFromEvent(ctx context.Context, userID string, eventAt time.Time) (applied bool, err error)

	// ProvisionDefault inserts a free-tier row for a new user. It is a no-op
	// when a row already exists.
	ProvisionDefault(ctx context.Context, userID string, period types.BillingPeriod) error
}

// LedgerInitializer pre-creates a zeroed usage row for a period.
// Implemented by UsageRepo in internal/db.
type LedgerInitializer interface {
	EnsurePeriod(ctx context.Context, userID string, period types.BillingPeriod) error
}

// EventRecorder receives reconciliation outcomes for telemetry.
type EventRecorder interface {
	RecordSubscriptionEvent(ctx context.Context, eventType types.SubscriptionEventType, success bool)
}

// Reconciler applies provider subscription lifecycle events to local state.
//
// Events arrive at least once and possibly out of order; every handler is an
// idempotent upsert guarded by the event timestamp, so applying the same
// event twice, or applying a stale event after a newer one, changes nothing.
type Reconciler struct {
	store   SubscriptionStore
	ledger  LedgerInitializer
	clock   types.Clock
	metrics EventRecorder
	logger  types.Logger
}

// NewReconciler constructs a Reconciler. metrics and logger may be nil.
func NewReconciler(store SubscriptionStore, ledger LedgerInitializer, clock types.Clock, metrics EventRecorder, logger types.Logger) *Reconciler {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Reconciler{store: store, ledger: ledger, clock: clock, metrics: metrics, logger: logger}
}

// Apply dispatches a normalized subscription event to its handler.
func (r *Reconciler) Apply(ctx context.Context, evt *types.SubscriptionEvent) error {
	if evt.UserID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "subscription event is missing user_id", nil)
	}

	var err error
	switch evt.Type {
	case types.SubEventActivated:
		err = r.SubscriptionActivated(ctx, evt)
	case types.SubEventRenewed:
		err = r.SubscriptionRenewed(ctx, evt)
	case types.SubEventCanceled:
		err = r.SubscriptionCanceled(ctx, evt)
	case types.SubEventPaymentFailed:
		err = r.PaymentFailed(ctx, evt)
	default:
		err = types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"unknown subscription event type: "+string(evt.Type),
			nil,
		)
	}

	if r.metrics != nil {
		r.metrics.RecordSubscriptionEvent(ctx, evt.Type, err == nil)
	}
	return err
}

// SubscriptionActivated records a new or upgraded paid subscription.
//
// The usage counter for the current period is deliberately left untouched: a
// user who used 3 free analyses and upgrades mid-period keeps counting from
// 3 under the new (unlimited) limit. Quota history is never rewritten.
func (r *Reconciler) SubscriptionActivated(ctx context.Context, evt *types.SubscriptionEvent) error {
	sub, err := r.subscriptionFromEvent(evt)
	if err != nil {
		return err
	}

	applied, err := r.store.UpsertFromEvent(ctx, sub, r.eventTime(evt))
	if err != nil {
		return err
	}
	r.logApplied("subscription activated", evt, applied)
	return nil
}

// SubscriptionRenewed rolls the subscription forward into the period the
// provider just billed. A zeroed ledger row for the new period is created
// eagerly so that dashboard reads see the reset immediately rather than on
// the first authorization.
func (r *Reconciler) SubscriptionRenewed(ctx context.Context, evt *types.SubscriptionEvent) error {
	sub, err := r.subscriptionFromEvent(evt)
	if err != nil {
		return err
	}

	applied, err := r.store.UpsertFromEvent(ctx, sub, r.eventTime(evt))
	if err != nil {
		return err
	}
	r.logApplied("subscription renewed", evt, applied)

	if applied && r.ledger != nil {
		if err := r.ledger.EnsurePeriod(ctx, evt.UserID, sub.Period()); err != nil {
			// The row will be created lazily on the first authorization of
			// the new period; log and move on.
			if r.logger != nil {
				r.logger.Warn("failed to pre-create usage row for renewed period",
					"user_id", evt.UserID, "error", err.Error())
			}
		}
	}
	return nil
}

// SubscriptionCanceled soft-marks the subscription: status becomes canceled,
// the plan resets to free, and the provider subscription reference is cleared
// while the customer reference stays for future re-subscription. Past usage
// records are left untouched.
func (r *Reconciler) SubscriptionCanceled(ctx context.Context, evt *types.SubscriptionEvent) error {
	applied, err := r.store.CancelFromEvent(ctx, evt.UserID, r.eventTime(evt))
	if err != nil {
		return err
	}
	r.logApplied("subscription canceled", evt, applied)
	return nil
}

// PaymentFailed marks the subscription past_due. There is no grace period on
// our side: past_due rows resolve to free-tier limits until the provider
// reports recovery via a renewal event.
func (r *Reconciler) PaymentFailed(ctx context.Context, evt *types.SubscriptionEvent) error {
	applied, err := r.store.UpdateStatusFromEvent(ctx, evt.UserID, types.SubStatusPastDue, r.eventTime(evt))
	if err != nil {
		return err
	}
	r.logApplied("subscription payment failed", evt, applied)
	return nil
}

// ProvisionDefaultSubscription persists an explicit free-tier row for a
// newly created user, covering the current calendar month. Enforcement does
// not depend on this row (the resolver synthesizes free tier on demand); it
// exists so that account views have a subscription to show. Safe to call
// more than once.
func (r *Reconciler) ProvisionDefaultSubscription(ctx context.Context, userID string) error {
	if userID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "user_id is required", nil)
	}
	period := CurrentFreePeriod(r.clock.Now())
	return r.store.ProvisionDefault(ctx, userID, period)
}

// subscriptionFromEvent validates and maps an activation/renewal event to a
// subscription row.
func (r *Reconciler) subscriptionFromEvent(evt *types.SubscriptionEvent) (*types.Subscription, error) {
	if !evt.Plan.Valid() || evt.Plan == types.PlanFree {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPlan,
			"subscription event carries an unknown or non-paid plan",
			nil,
			map[string]any{"plan": string(evt.Plan)},
		)
	}

	period := types.BillingPeriod{Start: evt.PeriodStart, End: evt.PeriodEnd}
	if err := period.Validate(); err != nil {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPeriod,
			"subscription event carries an invalid billing period",
			err,
			map[string]any{"period_start": evt.PeriodStart, "period_end": evt.PeriodEnd},
		)
	}

	status := evt.Status
	if status == "" {
		status = types.SubStatusActive
	}

	return &types.Subscription{
		UserID:               evt.UserID,
		Plan:                 evt.Plan,
		Status:               status,
		PeriodStart:          evt.PeriodStart.UTC(),
		PeriodEnd:            evt.PeriodEnd.UTC(),
		StripeCustomerID:     evt.StripeCustomerID,
		StripeSubscriptionID: evt.StripeSubscriptionID,
	}, nil
}

// eventTime returns the provider timestamp, falling back to now for events
// that arrive without one.
func (r *Reconciler) eventTime(evt *types.SubscriptionEvent) time.Time {
	if evt.OccurredAt.IsZero() {
		return r.clock.Now()
	}
	return evt.OccurredAt.UTC()
}

func (r *Reconciler) logApplied(msg string, evt *types.SubscriptionEvent, applied bool) {
	if r.logger == nil {
		return
	}
	if applied {
		r.logger.Info(msg,
			"user_id", evt.UserID,
			"event_id", evt.ProviderEventID,
			"event_type", string(evt.Type),
		)
	} else {
		r.logger.Info("stale subscription event skipped",
			"user_id", evt.UserID,
			"event_id", evt.ProviderEventID,
			"event_type", string(evt.Type),
		)
	}
}
