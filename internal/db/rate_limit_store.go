package db

import (
	"context"
	"time"

	"propsight/internal/core"
	"propsight/internal/types"
)

// RateLimitStore implements core.RateLimitStore using fixed-window counters
// in PostgreSQL. A single upsert both increments the counter and reads the
// new value, so concurrent requests across instances count correctly.
type RateLimitStore struct {
	db    DBTX
	clock types.Clock
}

// NewRateLimitStore creates a RateLimitStore over the given connection.
func NewRateLimitStore(db DBTX, clock types.Clock) *RateLimitStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RateLimitStore{db: db, clock: clock}
}

// IncrementAndCheck atomically increments the counter for the key's current
// window and reports whether the request fits within the limit. The window
// boundary is derived by truncating the current time, so all instances agree
// on which window a request belongs to.
func (s *RateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	now := s.clock.Now()
	windowStart := now.Truncate(window)

	const query = `
		INSERT INTO rate_limits (key, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key, window_start)
		DO UPDATE SET count = rate_limits.count + 1
		RETURNING count`

	var count int
	if err := s.db.QueryRow(ctx, query, key, windowStart).Scan(&count); err != nil {
		return core.RateLimitResult{}, types.NewAppError(types.ErrCodeInternalDB, "failed to increment rate limit counter", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return core.RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		ResetAt:   windowStart.Add(window),
	}, nil
}

var _ core.RateLimitStore = (*RateLimitStore)(nil)
