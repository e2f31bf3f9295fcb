package core

import (
	"context"
	"time"

	"propsight/internal/types"
)

// Authenticator decouples the HTTP layer from specific auth mechanisms
// (DB lookups), allowing for easy mocking in tests.
type Authenticator interface {
	// ResolveToken resolves a session token ("sess_" prefix) to the Actor.
	//
	// Resolution Strategy:
	// 1. Look up the session row with WHERE clause: expires_at > NOW().
	// 2. Verify the owning user account is active.
	// 3. Extend the session's last_activity_at (sliding window).
	//
	// Distinct Error Codes:
	// - Return ErrAuthTokenInvalid if the token is malformed or not found.
	// - Return ErrAuthSessionExpired if the session exists but has expired.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// ContextAuthenticator is an optional extension of Authenticator. When the
// configured Authenticator implements it, AuthMiddleware calls
// AuthenticateRequest instead of ResolveToken so the authenticator can attach
// session-scoped values (such as the CSRF token) to the returned context in
// the same session lookup.
type ContextAuthenticator interface {
	AuthenticateRequest(ctx context.Context, token string) (context.Context, *types.Actor, error)
}

// RateLimitStore abstracts the backing store for rate limiting.
// Production uses PostgreSQL atomic updates; dev/test uses in-memory.
type RateLimitStore interface {
	// IncrementAndCheck atomically increments the rate limit counter for the
	// given key and checks if the limit has been exceeded within the window.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is within the rate limit.
	Allowed bool
	// Remaining is the number of requests remaining in the current window.
	Remaining int
	// ResetAt is the time when the current rate limit window resets.
	ResetAt time.Time
}
