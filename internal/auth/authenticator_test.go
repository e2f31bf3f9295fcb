package auth

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

// --- Mock types.SessionRepository ---

type mockSessionStore struct {
	mock.Mock
}

func (m *mockSessionStore) Create(ctx context.Context, session *types.Session) error {
	args := m.Called(ctx, session)
	return args.Error(0)
}

func (m *mockSessionStore) GetByID(ctx context.Context, id string) (*types.Session, error) {
	args := m.Called(ctx, id)
	if s := args.Get(0); s != nil {
		return s.(*types.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSessionStore) UpdateLastActivity(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockSessionStore) DeleteByID(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockSessionStore) DeleteByUser(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

func (m *mockSessionStore) DeleteExpiredByUser(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

// --- Mock types.UserRepository ---

type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) Create(ctx context.Context, user *types.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserStore) GetByID(ctx context.Context, id string) (*types.User, error) {
	args := m.Called(ctx, id)
	if u := args.Get(0); u != nil {
		return u.(*types.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUserStore) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	args := m.Called(ctx, email)
	if u := args.Get(0); u != nil {
		return u.(*types.User), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockUserStore) UpdateLastLogin(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockUserStore) UpdatePassword(ctx context.Context, id string, passwordHash string) error {
	args := m.Called(ctx, id, passwordHash)
	return args.Error(0)
}

func (m *mockUserStore) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// --- Fixtures ---

func validSession(clock *mockClock) *types.Session {
	return &types.Session{
		ID:             "sess_valid_token",
		UserID:         "usr_auth_test",
		CSRFToken:      "csrf_session_token",
		IPAddress:      "192.168.1.1",
		ExpiresAt:      clock.now.Add(24 * time.Hour),
		LastActivityAt: clock.now.Add(-time.Hour),
		CreatedAt:      clock.now.Add(-48 * time.Hour),
	}
}

func newTestSessionAuthenticator(sessions *mockSessionStore, users *mockUserStore, clock *mockClock) *SessionAuthenticator {
	return NewSessionAuthenticator(sessions, users, clock, nil)
}

// --- Tests ---

func TestSessionAuthenticator_Success(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
	sessions := new(mockSessionStore)
	users := new(mockUserStore)
	a := newTestSessionAuthenticator(sessions, users, clock)

	session := validSession(clock)
	user := activeUser()
	user.ID = session.UserID

	sessions.On("GetByID", mock.Anything, "sess_valid_token").Return(session, nil)
	users.On("GetByID", mock.Anything, session.UserID).Return(user, nil)
	sessions.On("UpdateLastActivity", mock.Anything, session.ID).Return(nil)

	ctx, actor, err := a.AuthenticateRequest(context.Background(), "sess_valid_token")

	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, session.UserID, actor.ID)
	assert.Equal(t, types.ActorTypeUser, actor.Type)

	// The returned context carries the session's CSRF token for downstream
	// CSRF validation.
	csrf, ok := types.GetSessionCSRFToken(ctx)
	require.True(t, ok)
	assert.Equal(t, "csrf_session_token", csrf)

	sessions.AssertExpectations(t)
	users.AssertExpectations(t)
}

func TestSessionAuthenticator_RejectsUnprefixedToken(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
	sessions := new(mockSessionStore)
	users := new(mockUserStore)
	a := newTestSessionAuthenticator(sessions, users, clock)

	_, _, err := a.AuthenticateRequest(context.Background(), "api_key_12345")

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, appErr.Code)

	// No database lookups happen for malformed tokens
	sessions.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestSessionAuthenticator_SessionNotFound(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
	sessions := new(mockSessionStore)
	users := new(mockUserStore)
	a := newTestSessionAuthenticator(sessions, users, clock)

	sessions.On("GetByID", mock.Anything, "sess_unknown").
		Return(nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session not found or expired", nil))

	_, _, err := a.AuthenticateRequest(context.Background(), "sess_unknown")

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeAuthSessionExpired, appErr.Code)
}

func TestSessionAuthenticator_StaleExpiredSessionRejected(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
	sessions := new(mockSessionStore)
	users := new(mockUserStore)
	a := newTestSessionAuthenticator(sessions, users, clock)

	// A stale read can return a row the query-level filter would exclude
	session := validSession(clock)
	session.ExpiresAt = clock.now.Add(-time.Minute)
	sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)

	_, _, err := a.AuthenticateRequest(context.Background(), session.ID)

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeAuthSessionExpired, appErr.Code)

	users.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestSessionAuthenticator_UserNotFound(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
	sessions := new(mockSessionStore)
	users := new(mockUserStore)
	a := newTestSessionAuthenticator(sessions, users, clock)

	session := validSession(clock)
	sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	users.On("GetByID", mock.Anything, session.UserID).
		Return(nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil))

	_, _, err := a.AuthenticateRequest(context.Background(), session.ID)

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeAuthTokenInvalid, appErr.Code)
}

func TestSessionAuthenticator_DisabledUserRejected(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
	sessions := new(mockSessionStore)
	users := new(mockUserStore)
	a := newTestSessionAuthenticator(sessions, users, clock)

	session := validSession(clock)
	user := activeUser()
	user.ID = session.UserID
	user.Status = types.UserStatusDisabled

	sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	users.On("GetByID", mock.Anything, session.UserID).Return(user, nil)

	_, _, err := a.AuthenticateRequest(context.Background(), session.ID)

	require.Error(t, err)
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeAuthAccountNotActive, appErr.Code)

	// A rejected session does not get its activity window extended
	sessions.AssertNotCalled(t, "UpdateLastActivity", mock.Anything, mock.Anything)
}

func TestSessionAuthenticator_ActivityBumpFailureTolerated(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
	sessions := new(mockSessionStore)
	users := new(mockUserStore)
	a := newTestSessionAuthenticator(sessions, users, clock)

	session := validSession(clock)
	user := activeUser()
	user.ID = session.UserID

	sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	users.On("GetByID", mock.Anything, session.UserID).Return(user, nil)
	sessions.On("UpdateLastActivity", mock.Anything, session.ID).
		Return(types.NewAppError(types.ErrCodeInternalDB, "update failed", nil))

	_, actor, err := a.AuthenticateRequest(context.Background(), session.ID)

	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, session.UserID, actor.ID)
}

func TestSessionAuthenticator_ResolveToken_Delegates(t *testing.T) {
	clock := &mockClock{now: time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)}
	sessions := new(mockSessionStore)
	users := new(mockUserStore)
	a := newTestSessionAuthenticator(sessions, users, clock)

	session := validSession(clock)
	user := activeUser()
	user.ID = session.UserID

	sessions.On("GetByID", mock.Anything, session.ID).Return(session, nil)
	users.On("GetByID", mock.Anything, session.UserID).Return(user, nil)
	sessions.On("UpdateLastActivity", mock.Anything, session.ID).Return(nil)

	actor, err := a.ResolveToken(context.Background(), session.ID)

	require.NoError(t, err)
	require.NotNil(t, actor)
	assert.Equal(t, session.UserID, actor.ID)
	assert.Equal(t, types.ActorTypeUser, actor.Type)
}
