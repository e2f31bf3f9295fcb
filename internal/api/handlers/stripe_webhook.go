// Package handlers contains the HTTP handler implementations for the PropSight API.
//
// This file implements the Stripe webhook handler. It is NOT behind auth
// middleware -- it is called directly by Stripe. Security is provided by
// verifying the Stripe-Signature header using HMAC-SHA256.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"propsight/internal/core"
	"propsight/internal/external"
	"propsight/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload (64 KB).
// Stripe webhook payloads are typically small; this limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// ---------------------------------------------------------------------------
// Interfaces for webhook handler dependencies
// ---------------------------------------------------------------------------

// SubscriptionEventSink carries normalized events to the billing worker.
// Implemented by queue.EventPublisher.
type SubscriptionEventSink interface {
	PublishSubscriptionEvent(ctx context.Context, evt types.SubscriptionEvent) error
}

// SubscriptionEventApplier applies a normalized event to local billing state.
// Implemented by billing.Reconciler; used when no queue is configured, or as
// an inline fallback when the queue publish fails.
type SubscriptionEventApplier interface {
	Apply(ctx context.Context, evt *types.SubscriptionEvent) error
}

// ---------------------------------------------------------------------------
// Stripe Webhook Handler
// ---------------------------------------------------------------------------

// StripeWebhookHandler handles asynchronous events from Stripe. It normalizes
// the five provider event types into the four subscription lifecycle events
// the reconciler understands and hands them to the delivery path.
//
// After signature verification succeeds the handler always returns 200:
// processing failures are logged and recovered out of band rather than
// triggering Stripe's retry loop.
type StripeWebhookHandler struct {
	verifier external.WebhookVerifier
	sink     SubscriptionEventSink
	applier  SubscriptionEventApplier
	catalog  *external.PriceCatalog
	secret   string
	fallback bool
	logger   *slog.Logger
}

// NewStripeWebhookHandler creates a new StripeWebhookHandler.
//
// sink may be nil (events are applied inline through applier); applier may be
// nil when a sink is present. fallback controls whether a failed publish is
// retried inline through the applier.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	sink SubscriptionEventSink,
	applier SubscriptionEventApplier,
	catalog *external.PriceCatalog,
	secret string,
	fallback bool,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier: verifier,
		sink:     sink,
		applier:  applier,
		catalog:  catalog,
		secret:   secret,
		fallback: fallback,
		logger:   logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint. This is separate from
// BillingHandler.RegisterRoutes because webhook routes are public (no auth
// middleware).
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes incoming Stripe webhook events.
//
//  1. Reads body and "Stripe-Signature" header.
//  2. Verifies the signature using the webhook signing secret.
//  3. Parses the event JSON and normalizes it to a SubscriptionEvent.
//  4. Delivers the event to the queue (or applies it inline).
//  5. Returns 200 OK.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationBody,
			"failed to read request body",
			err,
		))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationBody,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	if err := h.processEvent(r.Context(), &event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
		// Return 200 anyway. The signature checked out, so the delivery is
		// acknowledged; the failure is logged for investigation rather than
		// bounced into Stripe's retry loop.
	}

	w.WriteHeader(http.StatusOK)
}

// processEvent normalizes the Stripe event and hands it to the delivery path.
// Unhandled event types are a no-op.
func (h *StripeWebhookHandler) processEvent(ctx context.Context, event *stripeWebhookEvent) error {
	evt, err := h.normalizeEvent(event)
	if err != nil {
		return err
	}
	if evt == nil {
		h.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", event.Type,
		)
		return nil
	}
	return h.deliver(ctx, evt)
}

// deliver routes the normalized event through the queue when configured,
// falling back to inline application when the publish fails and the fallback
// is enabled. Deployments without a queue apply every event inline.
func (h *StripeWebhookHandler) deliver(ctx context.Context, evt *types.SubscriptionEvent) error {
	if h.sink != nil {
		err := h.sink.PublishSubscriptionEvent(ctx, *evt)
		if err == nil {
			return nil
		}
		if h.applier == nil || !h.fallback {
			return err
		}
		h.logger.WarnContext(ctx, "queue publish failed, applying event inline",
			"event_id", evt.ProviderEventID,
			"error", err,
		)
		return h.applier.Apply(ctx, evt)
	}

	if h.applier == nil {
		return fmt.Errorf("no delivery path configured for event %s", evt.ProviderEventID)
	}
	return h.applier.Apply(ctx, evt)
}

// normalizeEvent maps a Stripe event to the reconciler's event model:
//
//	checkout.session.completed     -> subscription_activated
//	customer.subscription.updated  -> subscription_renewed
//	invoice.paid                   -> subscription_renewed
//	customer.subscription.deleted  -> subscription_canceled
//	invoice.payment_failed         -> payment_failed
//
// Returns (nil, nil) for event types outside that set.
func (h *StripeWebhookHandler) normalizeEvent(event *stripeWebhookEvent) (*types.SubscriptionEvent, error) {
	switch event.Type {
	case external.EventStripeCheckoutCompleted:
		return h.fromCheckoutSession(event)

	case external.EventStripeSubUpdated:
		return h.fromSubscription(event, types.SubEventRenewed)

	case external.EventStripeSubDeleted:
		return h.fromSubscription(event, types.SubEventCanceled)

	case external.EventStripeInvoicePaid:
		return h.fromInvoice(event, types.SubEventRenewed)

	case external.EventStripePaymentFailed:
		return h.fromInvoice(event, types.SubEventPaymentFailed)

	default:
		return nil, nil
	}
}

// fromCheckoutSession builds an activation event from checkout.session.completed.
//
// Checkout sessions do not carry the billed period, so a provisional one-month
// period anchored at the event time is used. The first subscription.updated or
// invoice.paid event replaces it with the provider's authoritative period.
func (h *StripeWebhookHandler) fromCheckoutSession(event *stripeWebhookEvent) (*types.SubscriptionEvent, error) {
	var session stripeCheckoutSessionObj
	if err := event.unmarshalObject(&session); err != nil {
		return nil, fmt.Errorf("%s: %w", event.Type, err)
	}

	userID := session.ClientReferenceID
	if userID == "" {
		userID = session.Metadata["user_id"]
	}
	if userID == "" {
		return nil, fmt.Errorf("%s: missing user_id in event %s", event.Type, event.ID)
	}

	occurred := event.eventTimestamp()
	return &types.SubscriptionEvent{
		ProviderEventID:      event.ID,
		Type:                 types.SubEventActivated,
		UserID:               userID,
		Plan:                 types.PlanTier(session.Metadata["plan"]),
		Status:               types.SubStatusActive,
		PeriodStart:          occurred,
		PeriodEnd:            occurred.AddDate(0, 1, 0),
		StripeCustomerID:     session.Customer,
		StripeSubscriptionID: session.Subscription,
		OccurredAt:           occurred,
	}, nil
}

// fromSubscription builds a renewal or cancellation event from a
// customer.subscription.updated/deleted payload.
func (h *StripeWebhookHandler) fromSubscription(event *stripeWebhookEvent, eventType types.SubscriptionEventType) (*types.SubscriptionEvent, error) {
	var sub stripeSubscriptionObj
	if err := event.unmarshalObject(&sub); err != nil {
		return nil, fmt.Errorf("%s: %w", event.Type, err)
	}

	userID := sub.Metadata["user_id"]
	if userID == "" {
		return nil, fmt.Errorf("%s: missing user_id in event %s", event.Type, event.ID)
	}

	evt := &types.SubscriptionEvent{
		ProviderEventID:      event.ID,
		Type:                 eventType,
		UserID:               userID,
		Status:               mapProviderStatus(sub.Status),
		StripeCustomerID:     sub.Customer,
		StripeSubscriptionID: sub.ID,
		OccurredAt:           event.eventTimestamp(),
	}

	if eventType == types.SubEventCanceled {
		evt.Status = types.SubStatusCanceled
		return evt, nil
	}

	if len(sub.Items.Data) > 0 {
		evt.Plan = h.catalog.PlanForPrice(sub.Items.Data[0].Price.ID)
	}
	evt.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	evt.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	return evt, nil
}

// fromInvoice builds a renewal or payment-failure event from an invoice.paid
// or invoice.payment_failed payload.
func (h *StripeWebhookHandler) fromInvoice(event *stripeWebhookEvent, eventType types.SubscriptionEventType) (*types.SubscriptionEvent, error) {
	var invoice stripeInvoiceObj
	if err := event.unmarshalObject(&invoice); err != nil {
		return nil, fmt.Errorf("%s: %w", event.Type, err)
	}

	userID := ""
	if invoice.SubscriptionDetails != nil {
		userID = invoice.SubscriptionDetails.Metadata["user_id"]
	}
	if userID == "" {
		userID = invoice.Metadata["user_id"]
	}
	if userID == "" {
		return nil, fmt.Errorf("%s: missing user_id in event %s", event.Type, event.ID)
	}

	evt := &types.SubscriptionEvent{
		ProviderEventID:      event.ID,
		Type:                 eventType,
		UserID:               userID,
		StripeCustomerID:     invoice.Customer,
		StripeSubscriptionID: invoice.Subscription,
		OccurredAt:           event.eventTimestamp(),
	}

	if eventType == types.SubEventPaymentFailed {
		evt.Status = types.SubStatusPastDue
		return evt, nil
	}

	evt.Status = types.SubStatusActive
	if len(invoice.Lines.Data) > 0 {
		line := invoice.Lines.Data[0]
		evt.Plan = h.catalog.PlanForPrice(line.Price.ID)
		evt.PeriodStart = time.Unix(line.Period.Start, 0).UTC()
		evt.PeriodEnd = time.Unix(line.Period.End, 0).UTC()
	}
	if evt.PeriodStart.IsZero() || evt.PeriodEnd.IsZero() {
		evt.PeriodStart = time.Unix(invoice.PeriodStart, 0).UTC()
		evt.PeriodEnd = time.Unix(invoice.PeriodEnd, 0).UTC()
	}
	return evt, nil
}

// mapProviderStatus collapses Stripe's subscription status set onto the local
// four-state model. States outside the paid-and-current set resolve users to
// free-tier limits, so the collapse only needs to preserve that boundary.
func mapProviderStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return types.SubStatusActive
	case "past_due", "unpaid":
		return types.SubStatusPastDue
	case "canceled", "incomplete_expired":
		return types.SubStatusCanceled
	default:
		return types.SubStatusIncomplete
	}
}

// ---------------------------------------------------------------------------
// Stripe Event Parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event
// tailored to extract the fields needed for routing and processing. We avoid
// importing the full stripe.Event type to keep the handler decoupled from the
// stripe-go library and to make testing straightforward.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// stripeEventData wraps the event data object.
type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeCheckoutSessionObj represents the minimal fields from a Stripe
// checkout.session.completed event's data object.
type stripeCheckoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// stripeSubscriptionObj represents the minimal fields from a Stripe
// customer.subscription.updated/deleted event's data object.
type stripeSubscriptionObj struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Customer           string            `json:"customer"`
	Metadata           map[string]string `json:"metadata"`
	Items              stripeSubItems    `json:"items"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

// stripeInvoiceObj represents the minimal fields from an invoice event's
// data object.
type stripeInvoiceObj struct {
	Subscription        string             `json:"subscription"`
	Customer            string             `json:"customer"`
	PeriodStart         int64              `json:"period_start"`
	PeriodEnd           int64              `json:"period_end"`
	Metadata            map[string]string  `json:"metadata"`
	SubscriptionDetails *stripeSubDetails  `json:"subscription_details"`
	Lines               stripeInvoiceLines `json:"lines"`
}

type stripeSubDetails struct {
	Metadata map[string]string `json:"metadata"`
}

type stripeInvoiceLines struct {
	Data []stripeInvoiceLine `json:"data"`
}

type stripeInvoiceLine struct {
	Price  stripeSubPrice   `json:"price"`
	Period stripeLinePeriod `json:"period"`
}

type stripeLinePeriod struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// eventTimestamp returns the event's created timestamp as a time.Time.
func (e *stripeWebhookEvent) eventTimestamp() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// unmarshalObject decodes data.object into the provided target struct.
func (e *stripeWebhookEvent) unmarshalObject(target any) error {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	if err := json.Unmarshal(data.Object, target); err != nil {
		return fmt.Errorf("invalid event object: %w", err)
	}
	return nil
}
