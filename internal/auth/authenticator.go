package auth

import (
	"context"
	"log/slog"
	"strings"

	"propsight/internal/types"
)

// SessionAuthenticator resolves session tokens to Actors for the HTTP auth
// middleware. It performs the live account check (the owning user must still
// be active) and extends the session's activity window on every request.
type SessionAuthenticator struct {
	sessions types.SessionRepository
	users    types.UserRepository
	clock    types.Clock
	logger   *slog.Logger
}

// NewSessionAuthenticator creates a SessionAuthenticator over the given
// repositories.
func NewSessionAuthenticator(
	sessions types.SessionRepository,
	users types.UserRepository,
	clock types.Clock,
	logger *slog.Logger,
) *SessionAuthenticator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionAuthenticator{
		sessions: sessions,
		users:    users,
		clock:    clock,
		logger:   logger,
	}
}

// AuthenticateRequest resolves a session token and returns a context enriched
// with the session's CSRF token alongside the resolved Actor. The returned
// context must be used for the rest of the request so CSRF validation can see
// the token.
func (a *SessionAuthenticator) AuthenticateRequest(ctx context.Context, token string) (context.Context, *types.Actor, error) {
	if !strings.HasPrefix(token, "sess_") {
		return ctx, nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "unrecognized token format", nil)
	}

	session, err := a.sessions.GetByID(ctx, token)
	if err != nil {
		return ctx, nil, err
	}

	// Defense in depth: the repository query already filters expired rows,
	// but a session read from a replica could be stale.
	if a.clock.Now().After(session.ExpiresAt) {
		return ctx, nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session has expired", nil)
	}

	// Live account check: a disabled or deleted user loses access on the
	// next request, not at session expiry.
	user, err := a.users.GetByID(ctx, session.UserID)
	if err != nil {
		return ctx, nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "session user not found", err)
	}
	if user.Status != types.UserStatusActive {
		return ctx, nil, types.NewAppError(types.ErrCodeAuthAccountNotActive, "account not active", nil)
	}

	// Sliding window: bump last_activity_at. Best effort, failures are
	// logged rather than failing the request.
	if err := a.sessions.UpdateLastActivity(ctx, session.ID); err != nil {
		a.logger.Warn("failed to update session activity",
			"session_id", session.ID,
			"error", err,
		)
	}

	ctx = types.WithSessionCSRFToken(ctx, session.CSRFToken)
	actor := &types.Actor{
		ID:   session.UserID,
		Type: types.ActorTypeUser,
	}
	return ctx, actor, nil
}

// ResolveToken implements the plain Authenticator interface by delegating to
// AuthenticateRequest and discarding the enriched context.
func (a *SessionAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	_, actor, err := a.AuthenticateRequest(ctx, token)
	return actor, err
}
