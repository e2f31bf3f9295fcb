package billing

import (
	"time"

	"propsight/internal/types"
)

// CurrentFreePeriod returns the billing period for a user without a paid
// subscription: the UTC calendar month containing now, as a half-open
// interval [first-of-month, first-of-next-month).
//
// The function is pure. The month rolls over at 00:00:00 UTC regardless of
// the user's local timezone; a user's quota therefore resets at the same
// instant worldwide.
func CurrentFreePeriod(now time.Time) types.BillingPeriod {
	utc := now.UTC()
	start := time.Date(utc.Year(), utc.Month(), 1, 0, 0, 0, 0, time.UTC)
	// AddDate normalizes month overflow, so December rolls into January of
	// the next year.
	end := start.AddDate(0, 1, 0)
	return types.BillingPeriod{Start: start, End: end}
}

// PeriodForSubscription resolves the billing period to charge usage against.
//
// Paid subscriptions use the provider-anchored period stored on the
// subscription row (e.g., the 15th through the 14th). Free-tier users, and
// paid rows whose stored period does not contain now (stale rows awaiting a
// renewal event), fall back to the calendar month.
//
// A paid row with an inverted stored period is a data corruption signal and
// returns ErrCodeInternalPeriodState rather than silently picking a window.
func PeriodForSubscription(sub *types.Subscription, now time.Time) (types.BillingPeriod, error) {
	if sub == nil || sub.Plan == types.PlanFree {
		return CurrentFreePeriod(now), nil
	}

	period := sub.Period()
	if err := period.Validate(); err != nil {
		return types.BillingPeriod{}, types.NewAppErrorWithDetails(
			types.ErrCodeInternalPeriodState,
			"subscription has an invalid billing period",
			err,
			map[string]any{
				"user_id":      sub.UserID,
				"period_start": sub.PeriodStart,
				"period_end":   sub.PeriodEnd,
			},
		)
	}

	if !period.Contains(now.UTC()) {
		// The provider has billed a new period but the renewal event has not
		// landed yet. Metering against the calendar month keeps the ledger
		// keyed to a well-defined window instead of a stale one.
		return CurrentFreePeriod(now), nil
	}

	return period, nil
}
