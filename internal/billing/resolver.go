package billing

import (
	"context"
	"errors"
	"time"

	"propsight/internal/types"
)

// SubscriptionSource is the minimal read interface the resolver needs.
// Implemented by SubscriptionRepo in internal/db.
type SubscriptionSource interface {
	// GetByUserID returns the user's subscription row, or an AppError with
	// code not_found_subscription when no row exists.
	GetByUserID(ctx context.Context, userID string) (*types.Subscription, error)
}

// Resolver determines the effective subscription for a user at a point in
// time. Users without a usable paid row are treated as free tier via a
// synthesized transient subscription; nothing is written to storage on the
// read path.
type Resolver struct {
	subs  SubscriptionSource
	clock types.Clock
}

// NewResolver constructs a Resolver. A nil clock defaults to real UTC time.
func NewResolver(subs SubscriptionSource, clock types.Clock) *Resolver {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Resolver{subs: subs, clock: clock}
}

// Resolve returns the subscription governing the user's quota right now.
//
// The decision table:
//   - no row, or a row that is not status=active, or an active row whose
//     paid period has lapsed: synthesize a free-tier subscription covering
//     the current calendar month.
//   - active paid row with a live period: return it as stored.
//   - storage error: propagate. Enforcement fails closed; a degraded
//     database must never grant paid entitlements.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*types.Subscription, error) {
	now := r.clock.Now()

	sub, err := r.subs.GetByUserID(ctx, userID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundSubscription {
			return r.transientFree(userID, now), nil
		}
		return nil, err
	}

	if !r.isUsable(sub, now) {
		return r.transientFree(userID, now), nil
	}

	return sub, nil
}

// isUsable reports whether a stored row grants its plan's entitlements.
// past_due, canceled, and incomplete rows all fall back to free limits
// immediately; dunning grace is the provider's concern, not ours.
func (r *Resolver) isUsable(sub *types.Subscription, now time.Time) bool {
	if sub == nil {
		return false
	}
	if sub.Status != types.SubStatusActive {
		return false
	}
	if !sub.Plan.Valid() || sub.Plan == types.PlanFree {
		// Free rows exist (default provisioning) but carry no paid period;
		// they are usable only in the sense that the user is free tier,
		// which the transient fallback already expresses.
		return false
	}
	return sub.PeriodEnd.After(now)
}

// transientFree synthesizes an in-memory free-tier subscription for the
// current calendar month. It is never persisted.
func (r *Resolver) transientFree(userID string, now time.Time) *types.Subscription {
	period := CurrentFreePeriod(now)
	return &types.Subscription{
		UserID:      userID,
		Plan:        types.PlanFree,
		Status:      types.SubStatusActive,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
	}
}
