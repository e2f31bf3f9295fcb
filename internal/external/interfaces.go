package external

import (
	"context"

	"propsight/internal/types"
)

// BillingService abstracts interactions with the payment provider (Stripe).
// Implementations translate between domain types and vendor-specific APIs.
type BillingService interface {
	// EnsureCustomer retrieves or creates a Stripe customer for the given user.
	// Returns the Stripe customer ID. Uses search-first logic to prevent
	// duplicates.
	EnsureCustomer(ctx context.Context, userID string, email string) (string, error)

	// CreateCheckoutSession generates a Stripe Checkout URL for the user to
	// enter payment info. userID is set as client_reference_id so webhook
	// events can be correlated back to the account.
	CreateCheckoutSession(ctx context.Context, userID string, plan types.PlanTier, urls types.RedirectURLs) (checkoutURL string, sessionID string, err error)

	// CreatePortalSession generates a Stripe Billing Portal URL for self-serve
	// billing management.
	CreatePortalSession(ctx context.Context, userID string, returnURL string) (portalURL string, err error)

	// GetSubscription retrieves the current subscription details for the user
	// directly from the provider. Used for dashboard display; enforcement
	// always reads the local mirror instead.
	GetSubscription(ctx context.Context, userID string) (*types.SubscriptionDetails, error)
}

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}

// Stripe event type constants prevent magic strings in webhook handlers.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeInvoicePaid       = "invoice.paid"
	EventStripePaymentFailed     = "invoice.payment_failed"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
)
