package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"propsight/internal/types"
)

// UsageRepo manages the usage_records ledger. Rows are keyed by
// (user_id, period_start), one row per user per billing period.
//
// CheckAndIncrement is the enforcement primitive: a single conditional
// upsert that the database evaluates atomically. Reading the counter and
// comparing it in application code would let two concurrent requests both
// observe count=2 and both pass a limit of 3, so that pattern is never
// used here.
type UsageRepo struct {
	db DBTX
}

// NewUsageRepo creates a new UsageRepo backed by the given database
// connection (pool or transaction).
func NewUsageRepo(db DBTX) *UsageRepo {
	return &UsageRepo{db: db}
}

// CheckAndIncrement increments the user's counter for the period if and only
// if the counter is below limit. limit 0 means unlimited.
//
// The statement inserts a fresh row at count=1, or increments an existing
// row only when the limit check in the DO UPDATE WHERE clause holds. When
// the check fails no row is returned: the counter did not move and the
// request is denied. Row-level locking inside the upsert serializes
// concurrent callers, so at most limit increments ever succeed per period.
func (r *UsageRepo) CheckAndIncrement(ctx context.Context, userID string, period types.BillingPeriod, limit int) (int, bool, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO usage_records (user_id, period_start, period_end, count, updated_at)
		 VALUES ($1, $2, $3, 1, NOW())
		 ON CONFLICT (user_id, period_start)
		 DO UPDATE SET count = usage_records.count + 1,
		     updated_at = NOW()
		 WHERE $4 = 0 OR usage_records.count < $4
		 RETURNING count`,
		userID,
		period.Start,
		period.End,
		limit,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Limit reached. Read the standing counter so the denial can
			// report it.
			current, readErr := r.CurrentCount(ctx, userID, period)
			if readErr != nil {
				return 0, false, readErr
			}
			return current, false, nil
		}
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage counter", err)
	}
	return count, true, nil
}

// CurrentCount returns the user's counter for the period. A missing row
// reads as zero.
func (r *UsageRepo) CurrentCount(ctx context.Context, userID string, period types.BillingPeriod) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count FROM usage_records
		 WHERE user_id = $1 AND period_start = $2`,
		userID,
		period.Start,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read usage counter", err)
	}
	return count, nil
}

// EnsurePeriod pre-creates a zeroed row for the period so dashboard reads
// see the new period immediately after a renewal. Existing rows are left
// untouched.
func (r *UsageRepo) EnsurePeriod(ctx context.Context, userID string, period types.BillingPeriod) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_records (user_id, period_start, period_end, count, updated_at)
		 VALUES ($1, $2, $3, 0, NOW())
		 ON CONFLICT (user_id, period_start) DO NOTHING`,
		userID,
		period.Start,
		period.End,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to initialize usage period", err)
	}
	return nil
}
