package types

import (
	"time"
)

// User represents a registered account.
type User struct {
	ID           string     `json:"id" db:"id"`
	Email        string     `json:"email" db:"email"`
	Name         string     `json:"name,omitempty" db:"name"`
	PasswordHash string     `json:"-" db:"password_hash"`
	Status       UserStatus `json:"status" db:"status"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`
	DeletedAt   *time.Time `json:"-" db:"deleted_at"`
}

// Session represents an authenticated user session.
type Session struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	CSRFToken      string    `json:"-" db:"csrf_token"`
	UserAgent      string    `json:"user_agent" db:"user_agent"`
	IPAddress      string    `json:"ip_address" db:"ip_address"`
	ExpiresAt      time.Time `json:"expires_at" db:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at" db:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// SecurityEvent is one row of the security_events audit table: a single
// authentication attempt with its outcome.
type SecurityEvent struct {
	EventType     string    `json:"event_type" db:"event_type"`
	Identifier    string    `json:"identifier,omitempty" db:"identifier"`
	IPAddress     string    `json:"ip_address" db:"ip_address"`
	AttemptedAt   time.Time `json:"attempted_at" db:"attempted_at"`
	Success       bool      `json:"success" db:"success"`
	FailureReason string    `json:"failure_reason,omitempty" db:"failure_reason"`
}

// BillingPeriod is a half-open interval [Start, End) in UTC. Usage counters
// are keyed by the period's Start, so two periods with the same Start are the
// same period.
type BillingPeriod struct {
	Start time.Time `json:"start" db:"period_start"`
	End   time.Time `json:"end" db:"period_end"`
}

// Contains reports whether t falls within the period.
func (p BillingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// Validate checks the structural invariant End > Start.
func (p BillingPeriod) Validate() error {
	if !p.End.After(p.Start) {
		return NewAppError(ErrCodeInternalPeriodState, "billing period end must be after start", nil)
	}
	return nil
}

// Subscription is the locally persisted mirror of the payment provider's
// subscription object. At most one row exists per user; the row is mutated
// only by the billing reconciler.
type Subscription struct {
	UserID               string             `json:"user_id" db:"user_id"`
	Plan                 PlanTier           `json:"plan" db:"plan"`
	Status               SubscriptionStatus `json:"status" db:"status"`
	PeriodStart          time.Time          `json:"period_start" db:"period_start"`
	PeriodEnd            time.Time          `json:"period_end" db:"period_end"`
	StripeCustomerID     string             `json:"-" db:"stripe_customer_id"`
	StripeSubscriptionID string             `json:"-" db:"stripe_subscription_id"`
	CreatedAt            time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at" db:"updated_at"`
}

// Period returns the subscription's current billing period.
func (s *Subscription) Period() BillingPeriod {
	return BillingPeriod{Start: s.PeriodStart, End: s.PeriodEnd}
}

// UsageRecord is one row of the usage ledger: the number of analyses created
// by a user within a single billing period.
type UsageRecord struct {
	UserID      string    `json:"user_id" db:"user_id"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`
	Count       int       `json:"count" db:"count"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Analysis is the core domain entity representing a property analysis request
// and its result metadata.
type Analysis struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	Address    string             `json:"address" db:"address"`
	Type       AnalysisType       `json:"type" db:"analysis_type"`
	Parameters AnalysisParameters `json:"parameters" db:"parameters"`
	Status     AnalysisStatus     `json:"status" db:"status"`

	// PlanAtTime records the plan tier that authorized this analysis. It is
	// stamped from the authorization decision, never re-derived later.
	PlanAtTime PlanTier `json:"plan_at_time" db:"plan_at_time"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// AnalysisParameters holds the report knobs for an analysis, persisted as a
// JSONB column. Scanner/Valuer implementations live in jsonb.go.
type AnalysisParameters struct {
	PurchasePriceCents int64   `json:"purchase_price_cents,omitempty"`
	DownPaymentPct     float64 `json:"down_payment_pct,omitempty"`
	InterestRatePct    float64 `json:"interest_rate_pct,omitempty"`
	RehabBudgetCents   int64   `json:"rehab_budget_cents,omitempty"`
	HoldYears          int     `json:"hold_years,omitempty"`
	ComparableRadiusKM float64 `json:"comparable_radius_km,omitempty"`
}

// SubscriptionDetails abstracts the provider's subscription object as seen
// on the wire (webhook payloads, API responses).
type SubscriptionDetails struct {
	Plan               PlanTier           `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// UsageSummary combines the current-period counter with the plan's limit for
// dashboard display. Limit 0 means unlimited.
type UsageSummary struct {
	Plan        PlanTier  `json:"plan"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	Unlimited   bool      `json:"unlimited"`
	NextReset   time.Time `json:"next_reset"`
}

// RedirectURLs guides the user back from Stripe-hosted checkout pages.
type RedirectURLs struct {
	Success string
	Cancel  string
}
