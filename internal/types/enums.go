package types

// AnalysisStatus represents the lifecycle state of a property analysis.
type AnalysisStatus string

const (
	AnalysisStatusPending   AnalysisStatus = "pending"
	AnalysisStatusRunning   AnalysisStatus = "running"
	AnalysisStatusCompleted AnalysisStatus = "completed"
	AnalysisStatusFailed    AnalysisStatus = "failed"
)

// PlanTier identifies the billing plan for a user account.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// Valid reports whether the tier is one of the known plan tiers.
// Unknown tiers coming off the wire (webhook payloads, stale DB rows)
// must be rejected before they reach quota resolution.
func (t PlanTier) Valid() bool {
	switch t {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus represents the state of a billing subscription.
type SubscriptionStatus string

const (
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusPastDue    SubscriptionStatus = "past_due"
	SubStatusCanceled   SubscriptionStatus = "canceled"
	SubStatusIncomplete SubscriptionStatus = "incomplete"
)

// SubscriptionEventType identifies a subscription lifecycle event delivered
// by the payment provider. Events are applied by the billing reconciler.
type SubscriptionEventType string

const (
	SubEventActivated     SubscriptionEventType = "subscription_activated"
	SubEventRenewed       SubscriptionEventType = "subscription_renewed"
	SubEventCanceled      SubscriptionEventType = "subscription_canceled"
	SubEventPaymentFailed SubscriptionEventType = "payment_failed"
)

// AnalysisType identifies the kind of report requested for a property.
type AnalysisType string

const (
	AnalysisRental     AnalysisType = "rental"
	AnalysisFlip       AnalysisType = "flip"
	AnalysisComparable AnalysisType = "comparable"
)

// RejectionReason is a machine-readable code explaining why an authorization
// request was denied. It is distinct from ErrorCode: a rejection is a valid
// business outcome, not a system failure.
type RejectionReason string

const (
	RejectionQuotaExceeded RejectionReason = "QUOTA_EXCEEDED"
)

// UserStatus represents the account lifecycle state of a user.
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)
