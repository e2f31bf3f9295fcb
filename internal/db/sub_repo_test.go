package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"propsight/internal/types"
)

func TestSubscriptionRepo_GetByUserID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	start := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)
	now := time.Now().UTC()
	customerID := "cus_123"
	subID := "sub_456"

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{
			scanFn: func(dest ...any) error {
				*dest[0].(*string) = "usr_1"
				*dest[1].(*types.PlanTier) = types.PlanPro
				*dest[2].(*types.SubscriptionStatus) = types.SubStatusActive
				*dest[3].(*time.Time) = start
				*dest[4].(*time.Time) = end
				*dest[5].(**string) = &customerID
				*dest[6].(**string) = &subID
				*dest[7].(*time.Time) = now
				*dest[8].(*time.Time) = now
				return nil
			},
		})

	sub, err := repo.GetByUserID(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, "usr_1", sub.UserID)
	assert.Equal(t, types.PlanPro, sub.Plan)
	assert.Equal(t, types.SubStatusActive, sub.Status)
	assert.Equal(t, start, sub.PeriodStart)
	assert.Equal(t, end, sub.PeriodEnd)
	assert.Equal(t, "cus_123", sub.StripeCustomerID)
	assert.Equal(t, "sub_456", sub.StripeSubscriptionID)
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_GetByUserID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	sub, err := repo.GetByUserID(context.Background(), "usr_none")
	require.Error(t, err)
	assert.Nil(t, sub)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundSubscription, appErr.Code)
}

func TestSubscriptionRepo_GetByUserID_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: errors.New("connection refused")})

	sub, err := repo.GetByUserID(context.Background(), "usr_1")
	require.Error(t, err)
	assert.Nil(t, sub)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_UpsertFromEvent_Applied(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	sub := &types.Subscription{
		UserID:      "usr_1",
		Plan:        types.PlanPro,
		Status:      types.SubStatusActive,
		PeriodStart: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC),
	}

	applied, err := repo.UpsertFromEvent(context.Background(), sub, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
	db.AssertExpectations(t)
}

// TestSubscriptionRepo_UpsertFromEvent_StaleEvent verifies that an event
// older than the last applied one reports applied=false without error.
func TestSubscriptionRepo_UpsertFromEvent_StaleEvent(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	// The optimistic-lock WHERE clause matched no rows.
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	sub := &types.Subscription{
		UserID:      "usr_1",
		Plan:        types.PlanPro,
		Status:      types.SubStatusActive,
		PeriodStart: time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC),
	}

	applied, err := repo.UpsertFromEvent(context.Background(), sub, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSubscriptionRepo_UpsertFromEvent_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("deadlock detected"))

	sub := &types.Subscription{UserID: "usr_1", Plan: types.PlanPro}
	applied, err := repo.UpsertFromEvent(context.Background(), sub, time.Now().UTC())
	require.Error(t, err)
	assert.False(t, applied)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_UpdateStatusFromEvent_Applied(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	applied, err := repo.UpdateStatusFromEvent(context.Background(), "usr_1", types.SubStatusCanceled, time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestSubscriptionRepo_UpdateStatusFromEvent_MissingRowOrStale(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	applied, err := repo.UpdateStatusFromEvent(context.Background(), "usr_ghost", types.SubStatusPastDue, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)
}

// TestSubscriptionRepo_CancelFromEvent_ResetsPlanAndClearsSubRef verifies
// the cancel write downgrades the plan to free and nulls the provider
// subscription reference in the same guarded UPDATE, leaving the customer
// reference column untouched.
func TestSubscriptionRepo_CancelFromEvent_ResetsPlanAndClearsSubRef(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	eventAt := time.Date(2026, 3, 20, 11, 0, 0, 0, time.UTC)

	var capturedSQL string
	var capturedArgs []any
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) {
			capturedSQL = args.Get(1).(string)
			capturedArgs = args.Get(2).([]any)
		}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	applied, err := repo.CancelFromEvent(context.Background(), "usr_1", eventAt)
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Contains(t, capturedSQL, "stripe_subscription_id = NULL")
	assert.NotContains(t, capturedSQL, "stripe_customer_id")
	require.Len(t, capturedArgs, 4)
	assert.Equal(t, types.PlanFree, capturedArgs[0])
	assert.Equal(t, types.SubStatusCanceled, capturedArgs[1])
	assert.Equal(t, eventAt, capturedArgs[2])
	assert.Equal(t, "usr_1", capturedArgs[3])
	db.AssertExpectations(t)
}

func TestSubscriptionRepo_CancelFromEvent_MissingRowOrStale(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	applied, err := repo.CancelFromEvent(context.Background(), "usr_ghost", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestSubscriptionRepo_CancelFromEvent_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	applied, err := repo.CancelFromEvent(context.Background(), "usr_1", time.Now().UTC())
	require.Error(t, err)
	assert.False(t, applied)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestSubscriptionRepo_ProvisionDefault_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	period := types.BillingPeriod{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	err := repo.ProvisionDefault(context.Background(), "usr_new", period)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

// TestSubscriptionRepo_ProvisionDefault_ExistingRow verifies the conflict
// no-op path is not an error.
func TestSubscriptionRepo_ProvisionDefault_ExistingRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

	period := types.BillingPeriod{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	err := repo.ProvisionDefault(context.Background(), "usr_existing", period)
	require.NoError(t, err)
}

func TestSubscriptionRepo_ProvisionDefault_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepo(db, nil)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	period := types.BillingPeriod{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	err := repo.ProvisionDefault(context.Background(), "usr_new", period)
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}
