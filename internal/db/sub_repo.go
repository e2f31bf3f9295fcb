package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"propsight/internal/types"
)

// SubscriptionRepo manages the subscriptions table, the locally persisted
// mirror of the payment provider's state. It backs both the billing
// resolver's reads and the reconciler's writes.
//
// Key invariants:
//   - At most one row per user (user_id is the primary key).
//   - Event-driven writes use optimistic locking via last_subscription_event_at
//     so duplicated or out-of-order webhook deliveries never regress state.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a new SubscriptionRepo backed by the given
// database connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

const subColumns = `s.user_id, s.plan, s.status, s.period_start, s.period_end,
	s.stripe_customer_id, s.stripe_subscription_id, s.created_at, s.updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	var (
		stripeCustomerID     *string
		stripeSubscriptionID *string
	)
	err := row.Scan(
		&sub.UserID,
		&sub.Plan,
		&sub.Status,
		&sub.PeriodStart,
		&sub.PeriodEnd,
		&stripeCustomerID,
		&stripeSubscriptionID,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if stripeCustomerID != nil {
		sub.StripeCustomerID = *stripeCustomerID
	}
	if stripeSubscriptionID != nil {
		sub.StripeSubscriptionID = *stripeSubscriptionID
	}
	return &sub, nil
}

// GetByUserID retrieves the subscription row for a user.
// Returns ErrCodeNotFoundSubscription when no row exists; the billing
// resolver treats that as "free tier", not as a failure.
func (r *SubscriptionRepo) GetByUserID(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subColumns+`
		 FROM subscriptions s
		 WHERE s.user_id = $1`,
		userID,
	)

	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for user", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve subscription", err)
	}
	return sub, nil
}

// UpsertFromEvent writes the subscription state carried by a provider event.
//
// The write is a single INSERT ... ON CONFLICT guarded by the event
// timestamp: it applies only when this event is newer than the last one
// already applied. Returns applied=false for duplicate or stale events,
// which the reconciler treats as a successful no-op.
func (r *SubscriptionRepo) UpsertFromEvent(ctx context.Context, sub *types.Subscription, eventAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, status, period_start, period_end,
		   stripe_customer_id, stripe_subscription_id, last_subscription_event_at,
		   created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (user_id)
		 DO UPDATE SET plan = EXCLUDED.plan,
		     status = EXCLUDED.status,
		     period_start = EXCLUDED.period_start,
		     period_end = EXCLUDED.period_end,
		     stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
		     stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
		     last_subscription_event_at = EXCLUDED.last_subscription_event_at,
		     updated_at = NOW()
		 WHERE subscriptions.last_subscription_event_at IS NULL
		    OR subscriptions.last_subscription_event_at < EXCLUDED.last_subscription_event_at`,
		sub.UserID,
		sub.Plan,
		sub.Status,
		sub.PeriodStart,
		sub.PeriodEnd,
		nilIfEmpty(sub.StripeCustomerID),
		nilIfEmpty(sub.StripeSubscriptionID),
		eventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("stale subscription event ignored (optimistic lock)",
			slog.String("user_id", sub.UserID),
			slog.Time("event_timestamp", eventAt),
		)
		return false, nil
	}
	return true, nil
}

// UpdateStatusFromEvent transitions only the status column, guarded by the
// same event-timestamp lock as UpsertFromEvent. Used for payment-failure
// events, which carry no period information and leave the plan alone.
//
// A missing row is reported as applied=false rather than an error: a status
// event for a user we never saw activate is redundant by definition.
func (r *SubscriptionRepo) UpdateStatusFromEvent(ctx context.Context, userID string, status types.SubscriptionStatus, eventAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET status = $1,
		     last_subscription_event_at = $2,
		     updated_at = NOW()
		 WHERE user_id = $3
		   AND (last_subscription_event_at IS NULL OR last_subscription_event_at < $2)`,
		status,
		eventAt,
		userID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription status", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("subscription status event ignored (missing row or optimistic lock)",
			slog.String("user_id", userID),
			slog.String("status", string(status)),
			slog.Time("event_timestamp", eventAt),
		)
		return false, nil
	}
	return true, nil
}

// CancelFromEvent applies a cancellation: status flips to canceled, the plan
// resets to free, and stripe_subscription_id is cleared. stripe_customer_id
// is deliberately kept so a returning user maps to the same Stripe customer.
// Guarded by the same event-timestamp lock as the other event writes.
//
// A missing row is reported as applied=false rather than an error: a
// cancellation for a user we never saw activate is redundant by definition.
func (r *SubscriptionRepo) CancelFromEvent(ctx context.Context, userID string, eventAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET plan = $1,
		     status = $2,
		     stripe_subscription_id = NULL,
		     last_subscription_event_at = $3,
		     updated_at = NOW()
		 WHERE user_id = $4
		   AND (last_subscription_event_at IS NULL OR last_subscription_event_at < $3)`,
		types.PlanFree,
		types.SubStatusCanceled,
		eventAt,
		userID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to cancel subscription", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("subscription cancel event ignored (missing row or optimistic lock)",
			slog.String("user_id", userID),
			slog.Time("event_timestamp", eventAt),
		)
		return false, nil
	}
	return true, nil
}

// GetStripeCustomerID returns the stripe_customer_id stored on the user's
// subscription row. A row without a customer ID yet yields ("", nil); a
// missing row yields ErrCodeNotFoundSubscription.
func (r *SubscriptionRepo) GetStripeCustomerID(ctx context.Context, userID string) (string, error) {
	var customerID *string
	err := r.db.QueryRow(ctx,
		`SELECT stripe_customer_id FROM subscriptions WHERE user_id = $1`,
		userID,
	).Scan(&customerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for user", nil)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve stripe customer id", err)
	}
	if customerID == nil {
		return "", nil
	}
	return *customerID, nil
}

// SetStripeCustomerID stores the stripe_customer_id on the user's
// subscription row. The row is expected to exist (provisioned at signup);
// updating zero rows is an error so a lost provision surfaces here instead
// of at checkout time.
func (r *SubscriptionRepo) SetStripeCustomerID(ctx context.Context, userID string, customerID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET stripe_customer_id = $1, updated_at = NOW()
		 WHERE user_id = $2`,
		customerID,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to store stripe customer id", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "no subscription for user", nil)
	}
	return nil
}

// ProvisionDefault inserts a free-tier row for a newly created user covering
// the given period. ON CONFLICT DO NOTHING makes it safe to call from
// retried signup flows; an existing row always wins.
func (r *SubscriptionRepo) ProvisionDefault(ctx context.Context, userID string, period types.BillingPeriod) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, status, period_start, period_end, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT (user_id) DO NOTHING`,
		userID,
		types.PlanFree,
		types.SubStatusActive,
		period.Start,
		period.End,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to provision default subscription", err)
	}
	return nil
}
