package types

import (
	"context"
	"time"
)

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// RateLimitInfo contains the current state of a rate limit.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RateLimiter provides rate limiting for API requests.
type RateLimiter interface {
	// Allow checks if the actor can perform the action.
	Allow(ctx context.Context, actorID string, action string) (RateLimitInfo, bool, error)
}

// Clock abstracts time for testability. All period math runs on UTC
// timestamps obtained through a Clock.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// RepositoryRegistry provides access to all repository instances.
type RepositoryRegistry interface {
	Users() UserRepository
	Sessions() SessionRepository
	Subscriptions() SubscriptionRepository
	Usage() UsageRepository
	Analyses() AnalysisRepository
}

// UserRepository defines the data access interface for user accounts.
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	UpdateLastLogin(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id string, passwordHash string) error
	Delete(ctx context.Context, id string) error
}

// SessionRepository defines the data access interface for auth sessions.
type SessionRepository interface {
	Create(ctx context.Context, session *Session) error
	GetByID(ctx context.Context, id string) (*Session, error)
	UpdateLastActivity(ctx context.Context, id string) error
	DeleteByID(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) error
	DeleteExpiredByUser(ctx context.Context, userID string) error
}

// SubscriptionRepository defines the data access interface for the locally
// persisted subscription mirror.
type SubscriptionRepository interface {
	GetByUserID(ctx context.Context, userID string) (*Subscription, error)
	UpsertFromEvent(ctx context.Context, sub *Subscription, eventAt time.Time) (bool, error)
	UpdateStatusFromEvent(ctx context.Context, userID string, status SubscriptionStatus, eventAt time.Time) (bool, error)
	CancelFromEvent(ctx context.Context, userID string, eventAt time.Time) (bool, error)
	ProvisionDefault(ctx context.Context, userID string, period BillingPeriod) error
}

// UsageRepository defines the data access interface for the usage ledger.
type UsageRepository interface {
	CheckAndIncrement(ctx context.Context, userID string, period BillingPeriod, limit int) (int, bool, error)
	CurrentCount(ctx context.Context, userID string, period BillingPeriod) (int, error)
	EnsurePeriod(ctx context.Context, userID string, period BillingPeriod) error
}

// AnalysisRepository defines the data access interface for analyses.
type AnalysisRepository interface {
	Create(ctx context.Context, analysis *Analysis) error
	GetByID(ctx context.Context, id string, userID string) (*Analysis, error)
	UpdateStatus(ctx context.Context, id string, status AnalysisStatus) error
	List(ctx context.Context, params ListAnalysesParams) ([]*Analysis, PageInfo, error)
}

// SecurityService provides unified security event tracking and IP-based blocking.
type SecurityService interface {
	// RecordAttempt logs a security event (login, api_auth, etc.) for tracking.
	RecordAttempt(ctx context.Context, eventType string, identifier string, ip string, success bool, reason string) error

	// IsIPBlocked checks if an IP address should be blocked based on recent failed attempts.
	IsIPBlocked(ctx context.Context, ip string) bool

	// IsIdentifierBlocked checks if a specific identifier (e.g., email) should be blocked.
	IsIdentifierBlocked(ctx context.Context, identifier string) bool
}

// Logger defines the structured logging interface used throughout the platform.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}
