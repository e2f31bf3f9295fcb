// Package handlers contains the HTTP handler implementations for the PropSight API.
//
// This file implements the billing surface:
//   - Checkout and portal session creation (Stripe-hosted pages)
//   - Subscription details straight from the provider
//   - Current-period usage against plan limits
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"propsight/internal/config"
	"propsight/internal/core"
	"propsight/internal/types"
)

// --- Service Interfaces ---
//
// These interfaces are defined locally to follow the handler pattern
// established in auth.go: define the service contract in the handler file and
// inject implementations via the constructor.

// BillingService abstracts interactions with the payment provider (Stripe).
// Implemented by external.StripeClient.
type BillingService interface {
	// EnsureCustomer checks if the user has a Stripe Customer ID.
	// If not, it creates one idempotently. Required before Checkout.
	EnsureCustomer(ctx context.Context, userID string, email string) (customerID string, err error)

	// CreateCheckoutSession generates a URL for the user to enter payment info.
	CreateCheckoutSession(
		ctx context.Context,
		userID string,
		plan types.PlanTier,
		urls types.RedirectURLs,
	) (checkoutURL string, sessionID string, err error)

	// CreatePortalSession generates a URL for self-serve billing management.
	CreatePortalSession(ctx context.Context, userID string, returnURL string) (portalURL string, err error)

	// GetSubscription returns the current raw subscription state from the
	// provider. Display only; quota enforcement reads the local mirror.
	GetSubscription(ctx context.Context, userID string) (*types.SubscriptionDetails, error)
}

// UsageReporter assembles the current-period usage snapshot.
// Implemented by billing.NewUsageReporter.
type UsageReporter interface {
	GetCurrentUsage(ctx context.Context, userID string) (*types.UsageSummary, error)
}

// UserEmailReader provides the minimal user read access the billing handler
// needs (the billing email for Stripe customer creation).
type UserEmailReader interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
}

// --- Request/Response Models ---

// CreateCheckoutRequest is the request body for POST /v1/billing/checkout.
//
// Note: success and cancel URLs are intentionally omitted from the request.
// They are constructed server-side from DashboardURL to prevent Open Redirect
// vulnerabilities.
type CreateCheckoutRequest struct {
	Plan types.PlanTier `json:"plan" validate:"required,oneof=pro enterprise"`
}

// CheckoutResponse is the response for POST /v1/billing/checkout.
type CheckoutResponse struct {
	CheckoutURL string    `json:"checkout_url"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// PortalResponse is the response for POST /v1/billing/portal.
type PortalResponse struct {
	PortalURL string `json:"portal_url"`
}

// --- Handler ---

// BillingHandler handles synchronous billing actions initiated by the user.
// Asynchronous state changes arrive through the Stripe webhook instead.
type BillingHandler struct {
	service      BillingService
	reporter     UsageReporter
	users        UserEmailReader
	validator    *core.Validator
	dashboardURL string
	logger       *slog.Logger
}

// NewBillingHandler creates a new BillingHandler with the provided dependencies.
func NewBillingHandler(
	svc BillingService,
	reporter UsageReporter,
	users UserEmailReader,
	cfg *config.Config,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}

	dashboardURL := ""
	if cfg != nil {
		dashboardURL = cfg.Server.DashboardURL
	}

	return &BillingHandler{
		service:      svc,
		reporter:     reporter,
		users:        users,
		validator:    v,
		dashboardURL: dashboardURL,
		logger:       l,
	}
}

// RegisterRoutes mounts all billing and usage endpoints.
// The parent router has already applied the auth middleware.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Post("/checkout", h.CreateCheckout)
		r.Post("/portal", h.CreatePortal)
		r.Get("/subscription", h.GetSubscription)
		r.Get("/usage", h.GetUsage)
	})
}

// --- Handler Methods ---

// CreateCheckout handles POST /v1/billing/checkout.
//
// Flow:
//  1. Decode and validate the CreateCheckoutRequest. The free plan is not
//     purchasable; downgrades go through the billing portal.
//  2. Self-healing customer ID: EnsureCustomer guarantees a Stripe customer
//     exists before the session is created.
//  3. Construct success/cancel URLs server-side from DashboardURL.
//  4. Create the checkout session and return its URL.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return
	}

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	user, err := h.users.GetByID(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if _, err := h.service.EnsureCustomer(r.Context(), actor.ID, user.Email); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to ensure Stripe customer",
			"user_id", actor.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	urls := types.RedirectURLs{
		Success: h.dashboardURL + "/billing?checkout=success",
		Cancel:  h.dashboardURL + "/billing?checkout=canceled",
	}

	checkoutURL, sessionID, err := h.service.CreateCheckoutSession(r.Context(), actor.ID, req.Plan, urls)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"user_id", actor.ID,
			"plan", req.Plan,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	// Checkout sessions expire after 24 hours per Stripe's default behavior.
	resp := CheckoutResponse{
		CheckoutURL: checkoutURL,
		SessionID:   sessionID,
		ExpiresAt:   time.Now().UTC().Add(24 * time.Hour),
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: resp})
}

// CreatePortal handles POST /v1/billing/portal.
//
// The portal is where plan changes, payment method updates, and cancellations
// happen; the API never mutates the provider subscription directly.
func (h *BillingHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return
	}

	user, err := h.users.GetByID(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if _, err := h.service.EnsureCustomer(r.Context(), actor.ID, user.Email); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to ensure Stripe customer for portal",
			"user_id", actor.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	returnURL := h.dashboardURL + "/billing"

	portalURL, err := h.service.CreatePortalSession(r.Context(), actor.ID, returnURL)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create portal session",
			"user_id", actor.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PortalResponse{PortalURL: portalURL}})
}

// GetSubscription handles GET /v1/billing/subscription.
//
// Returns the provider's view of the subscription. When the local mirror lags
// behind (webhook still in flight after checkout), this endpoint already shows
// the new state; enforcement catches up when the event is applied.
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return
	}

	details, err := h.service.GetSubscription(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: details})
}

// GetUsage handles GET /v1/billing/usage.
//
// Returns the current-period analysis count against the plan limit, with the
// next reset time. Reads only; never consumes quota.
func (h *BillingHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"Authentication required",
			nil,
		))
		return
	}

	summary, err := h.reporter.GetCurrentUsage(r.Context(), actor.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}
