package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"propsight/internal/types"
)

// SessionRepository provides data access for the sessions table.
// Session IDs are opaque random tokens generated by the auth service; the
// repository stores and retrieves them verbatim.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new SessionRepository backed by the given
// database connection (pool or transaction).
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new session row.
func (r *SessionRepository) Create(ctx context.Context, session *types.Session) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO sessions (id, user_id, csrf_token, ip_address, user_agent,
		 expires_at, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))`,
		session.ID,
		session.UserID,
		session.CSRFToken,
		session.IPAddress,
		session.UserAgent,
		session.ExpiresAt,
		session.LastActivityAt,
		nilIfZeroTime(session.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create session", err)
	}
	return nil
}

// GetByID retrieves a live session. Expired sessions are filtered in the
// query, so a missing row and an expired row both read as session expired.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*types.Session, error) {
	var s types.Session
	err := r.db.QueryRow(ctx,
		`SELECT id, user_id, csrf_token, ip_address, user_agent,
		 expires_at, last_activity_at, created_at
		 FROM sessions
		 WHERE id = $1 AND expires_at > NOW()`,
		id,
	).Scan(
		&s.ID,
		&s.UserID,
		&s.CSRFToken,
		&s.IPAddress,
		&s.UserAgent,
		&s.ExpiresAt,
		&s.LastActivityAt,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeAuthSessionExpired, "session not found or expired", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve session", err)
	}
	return &s, nil
}

// UpdateLastActivity bumps last_activity_at. Called by the auth middleware
// on authenticated requests; failures are logged, not surfaced.
func (r *SessionRepository) UpdateLastActivity(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE sessions SET last_activity_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update session activity", err)
	}
	return nil
}

// DeleteByID removes a single session. Used by logout.
func (r *SessionRepository) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete session", err)
	}
	return nil
}

// DeleteByUser removes all sessions for a user. Used by password changes
// and account deletion.
func (r *SessionRepository) DeleteByUser(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete user sessions", err)
	}
	return nil
}

// DeleteExpiredByUser prunes expired sessions for a user. Called
// opportunistically during login to keep the table small.
func (r *SessionRepository) DeleteExpiredByUser(ctx context.Context, userID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND expires_at <= NOW()`,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete expired sessions", err)
	}
	return nil
}
