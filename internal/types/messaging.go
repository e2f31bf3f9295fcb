package types

import "time"

// SubscriptionEvent is the normalized subscription lifecycle event applied by
// the billing reconciler. It is produced by the Stripe webhook handler and
// either applied inline or carried over SQS to the billing worker.
//
// Delivery is at-least-once: the reconciler must treat re-application of the
// same event as a no-op. ProviderEventID and OccurredAt provide the ordering
// and deduplication signal.
type SubscriptionEvent struct {
	// ProviderEventID is the provider's event identifier (e.g., "evt_...").
	ProviderEventID string `json:"provider_event_id"`

	Type   SubscriptionEventType `json:"type"`
	UserID string                `json:"user_id"`

	Plan   PlanTier           `json:"plan,omitempty"`
	Status SubscriptionStatus `json:"status,omitempty"`

	// PeriodStart/PeriodEnd carry the provider-billed period for activation
	// and renewal events. Zero for cancellation and payment failure.
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`

	StripeCustomerID     string `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string `json:"stripe_subscription_id,omitempty"`

	// OccurredAt is the provider's event timestamp, used for out-of-order
	// event rejection in the subscription repository.
	OccurredAt time.Time `json:"occurred_at"`

	// RetryCount carries the retry state across the SQS publish cycle.
	RetryCount int `json:"retry_count"`

	// TraceID propagates the originating request for log correlation.
	TraceID string `json:"trace_id,omitempty"`
}
