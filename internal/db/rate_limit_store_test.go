package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"propsight/internal/types"
)

// rateLimitClock is a fixed clock for deterministic window math.
type rateLimitClock struct {
	now time.Time
}

func (c rateLimitClock) Now() time.Time { return c.now }

func TestRateLimitStore_IncrementAndCheck_Allowed(t *testing.T) {
	db := new(mockDBTX)
	now := time.Date(2026, 3, 15, 10, 30, 42, 0, time.UTC)
	store := NewRateLimitStore(db, rateLimitClock{now: now})

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{
			scanFn: func(dest ...any) error {
				*dest[0].(*int) = 3
				return nil
			},
		})

	result, err := store.IncrementAndCheck(context.Background(), "user:usr_1", 100, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 97, result.Remaining)

	// The window started at 10:30:00, so it resets at 10:31:00.
	wantReset := time.Date(2026, 3, 15, 10, 31, 0, 0, time.UTC)
	assert.Equal(t, wantReset, result.ResetAt)
	db.AssertExpectations(t)
}

func TestRateLimitStore_IncrementAndCheck_LimitExceeded(t *testing.T) {
	db := new(mockDBTX)
	store := NewRateLimitStore(db, rateLimitClock{now: time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)})

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{
			scanFn: func(dest ...any) error {
				*dest[0].(*int) = 101
				return nil
			},
		})

	result, err := store.IncrementAndCheck(context.Background(), "user:usr_1", 100, time.Minute)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestRateLimitStore_IncrementAndCheck_ExactlyAtLimit(t *testing.T) {
	db := new(mockDBTX)
	store := NewRateLimitStore(db, rateLimitClock{now: time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)})

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{
			scanFn: func(dest ...any) error {
				*dest[0].(*int) = 100
				return nil
			},
		})

	result, err := store.IncrementAndCheck(context.Background(), "user:usr_1", 100, time.Minute)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "the request that lands exactly on the limit is still allowed")
	assert.Equal(t, 0, result.Remaining)
}

func TestRateLimitStore_IncrementAndCheck_DBError(t *testing.T) {
	db := new(mockDBTX)
	store := NewRateLimitStore(db, rateLimitClock{now: time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)})

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	_, err := store.IncrementAndCheck(context.Background(), "user:usr_1", 100, time.Minute)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestRateLimitStore_WindowStartPassedToQuery(t *testing.T) {
	db := new(mockDBTX)
	now := time.Date(2026, 3, 15, 10, 59, 59, 0, time.UTC)
	store := NewRateLimitStore(db, rateLimitClock{now: now})

	var capturedArgs []any
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			capturedArgs = args.Get(2).([]any)
		}).
		Return(&mockRow{
			scanFn: func(dest ...any) error {
				*dest[0].(*int) = 1
				return nil
			},
		})

	_, err := store.IncrementAndCheck(context.Background(), "user:usr_9", 10, time.Hour)
	require.NoError(t, err)

	require.Len(t, capturedArgs, 2)
	assert.Equal(t, "user:usr_9", capturedArgs[0])
	assert.Equal(t, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC), capturedArgs[1])
}
