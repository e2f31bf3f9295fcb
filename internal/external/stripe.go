package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"propsight/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// CustomerLookup provides the minimal data access needed by StripeClient to
// resolve a user into the Stripe customer ID persisted on the subscription
// row. This avoids pulling in the full SubscriptionRepository interface.
type CustomerLookup interface {
	// GetStripeCustomerID returns the stripe_customer_id for the given user.
	// Returns ("", nil) if the user has a subscription row but no customer ID yet.
	GetStripeCustomerID(ctx context.Context, userID string) (string, error)

	// SetStripeCustomerID stores the stripe_customer_id for the given user.
	SetStripeCustomerID(ctx context.Context, userID string, customerID string) error
}

// PriceCatalog maps Stripe price IDs to plan tiers and back. It is populated
// from configuration at startup; the free tier has no price by definition.
type PriceCatalog struct {
	toPlan  map[string]types.PlanTier
	toPrice map[types.PlanTier]string
}

// NewPriceCatalog builds a PriceCatalog from the configured price IDs for the
// paid tiers.
func NewPriceCatalog(proPriceID, enterprisePriceID string) *PriceCatalog {
	return &PriceCatalog{
		toPlan: map[string]types.PlanTier{
			proPriceID:        types.PlanPro,
			enterprisePriceID: types.PlanEnterprise,
		},
		toPrice: map[types.PlanTier]string{
			types.PlanPro:        proPriceID,
			types.PlanEnterprise: enterprisePriceID,
		},
	}
}

// PriceForPlan returns the Stripe price ID for a paid plan tier.
func (c *PriceCatalog) PriceForPlan(plan types.PlanTier) (string, bool) {
	id, ok := c.toPrice[plan]
	return id, ok
}

// PlanForPrice returns the plan tier for a Stripe price ID. Unknown price IDs
// map to the free tier so an unrecognized catalog entry can never grant an
// unlimited quota.
func (c *PriceCatalog) PlanForPrice(priceID string) types.PlanTier {
	if plan, ok := c.toPlan[priceID]; ok {
		return plan
	}
	return types.PlanFree
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Catalog   *PriceCatalog
	Logger    *slog.Logger
}

// StripeClient implements BillingService by making direct HTTP calls to the
// Stripe REST API through BaseClient. This approach routes all requests
// through the platform's resilience infrastructure (circuit breaker, retries,
// error mapping) and makes testing with httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	customers CustomerLookup
	catalog   *PriceCatalog
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient. The httpClient timeout should
// be around 20 seconds; Stripe calls sit on interactive request paths.
func NewStripeClient(
	httpClient *http.Client,
	customers CustomerLookup,
	cfg StripeClientConfig,
) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"PropSight/1.0",
		WithSleepFunc(time.Sleep),
	)
	return NewStripeClientWithBase(base, customers, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewStripeClientWithBase(
	base *BaseClient,
	customers CustomerLookup,
	cfg StripeClientConfig,
) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	catalog := cfg.Catalog
	if catalog == nil {
		catalog = NewPriceCatalog("", "")
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		customers: customers,
		catalog:   catalog,
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// BillingService Implementation
// ---------------------------------------------------------------------------

// EnsureCustomer retrieves or creates a Stripe customer for the given user.
// Uses search-first logic to prevent duplicate customers:
//  1. Query Stripe Search API for metadata['user_id'] match
//  2. If found, return the existing customer ID
//  3. If not found, create a new customer with user_id metadata
//  4. Update the local subscription row with the customer ID
func (s *StripeClient) EnsureCustomer(ctx context.Context, userID string, email string) (string, error) {
	searchQuery := fmt.Sprintf("metadata['user_id']:'%s'", userID)
	params := url.Values{}
	params.Set("query", searchQuery)

	searchResp, err := s.doGet(ctx, "/v1/customers/search", params)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.search", err)
	}
	defer searchResp.Body.Close()

	if searchResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(searchResp, "EnsureCustomer.search")
	}

	var searchResult stripeSearchResult
	if err := json.NewDecoder(searchResp.Body).Decode(&searchResult); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer search response",
			err,
		)
	}

	if len(searchResult.Data) > 0 {
		customerID := searchResult.Data[0].ID
		if dbErr := s.customers.SetStripeCustomerID(ctx, userID, customerID); dbErr != nil {
			s.logger.WarnContext(ctx, "failed to store stripe_customer_id",
				"user_id", userID,
				"customer_id", customerID,
				"error", dbErr,
			)
		}
		return customerID, nil
	}

	createParams := url.Values{}
	createParams.Set("email", email)
	createParams.Set("metadata[user_id]", userID)

	createResp, err := s.doPost(ctx, "/v1/customers", createParams)
	if err != nil {
		return "", s.wrapStripeError("EnsureCustomer.create", err)
	}
	defer createResp.Body.Close()

	if createResp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(createResp, "EnsureCustomer.create")
	}

	var customer stripeCustomer
	if err := json.NewDecoder(createResp.Body).Decode(&customer); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe customer creation response",
			err,
		)
	}

	if dbErr := s.customers.SetStripeCustomerID(ctx, userID, customer.ID); dbErr != nil {
		s.logger.WarnContext(ctx, "failed to store stripe_customer_id after creation",
			"user_id", userID,
			"customer_id", customer.ID,
			"error", dbErr,
		)
	}

	return customer.ID, nil
}

// CreateCheckoutSession generates a Stripe Checkout Session URL.
// Sets client_reference_id to the user ID for webhook correlation.
func (s *StripeClient) CreateCheckoutSession(
	ctx context.Context,
	userID string,
	plan types.PlanTier,
	urls types.RedirectURLs,
) (checkoutURL string, sessionID string, err error) {
	priceID, ok := s.catalog.PriceForPlan(plan)
	if !ok {
		return "", "", types.NewAppError(
			types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q is not purchasable", plan),
			nil,
		)
	}

	customerID, err := s.resolveCustomerID(ctx, userID)
	if err != nil {
		return "", "", err
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", userID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("metadata[user_id]", userID)
	params.Set("metadata[plan]", string(plan))
	params.Set("line_items[0][price]", priceID)
	params.Set("line_items[0][quantity]", "1")

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return "", "", s.wrapStripeError("CreateCheckoutSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", s.handleErrorResponse(resp, "CreateCheckoutSession")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}

	return session.URL, session.ID, nil
}

// CreatePortalSession generates a Stripe Billing Portal URL.
func (s *StripeClient) CreatePortalSession(
	ctx context.Context,
	userID string,
	returnURL string,
) (portalURL string, err error) {
	customerID, err := s.resolveCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	resp, err := s.doPost(ctx, "/v1/billing_portal/sessions", params)
	if err != nil {
		return "", s.wrapStripeError("CreatePortalSession", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", s.handleErrorResponse(resp, "CreatePortalSession")
	}

	var session stripePortalSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe portal session response",
			err,
		)
	}

	return session.URL, nil
}

// GetSubscription retrieves the current subscription details for the user
// directly from Stripe. Users with no Stripe customer yet are on the free tier.
func (s *StripeClient) GetSubscription(ctx context.Context, userID string) (*types.SubscriptionDetails, error) {
	customerID, err := s.customers.GetStripeCustomerID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if customerID == "" {
		return &types.SubscriptionDetails{
			Plan:   types.PlanFree,
			Status: types.SubStatusActive,
		}, nil
	}

	queryParams := url.Values{}
	queryParams.Set("customer", customerID)
	queryParams.Set("limit", "1")

	resp, err := s.doGet(ctx, "/v1/subscriptions", queryParams)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var listResp stripeSubscriptionList
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscriptions response",
			err,
		)
	}

	if len(listResp.Data) == 0 {
		// No subscription at the provider. Free tier.
		return &types.SubscriptionDetails{
			Plan:   types.PlanFree,
			Status: types.SubStatusActive,
		}, nil
	}

	return s.mapStripeSubscription(&listResp.Data[0]), nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// doPost performs an authenticated POST request to the Stripe API with
// form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	body := params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)

	return s.base.Do(req)
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// resolveCustomerID fetches the Stripe customer ID for the given user from
// the local subscription row.
func (s *StripeClient) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	customerID, err := s.customers.GetStripeCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	if customerID == "" {
		return "", types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("user %s has no Stripe customer ID; call EnsureCustomer first", userID),
			nil,
		)
	}
	return customerID, nil
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
	DocURL      string `json:"doc_url"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(
			types.ErrCodeNotFoundSubscription,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// AppErrors from BaseClient (circuit breaker, retries exhausted) already
	// carry the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSearchResult struct {
	Data    []stripeCustomer `json:"data"`
	HasMore bool             `json:"has_more"`
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID                 string                  `json:"id"`
	Status             string                  `json:"status"`
	CancelAtPeriodEnd  bool                    `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                   `json:"current_period_start"`
	CurrentPeriodEnd   int64                   `json:"current_period_end"`
	Items              stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
	Lookup   string            `json:"lookup_key"`
}

type stripeSubscriptionList struct {
	Data    []stripeSubscription `json:"data"`
	HasMore bool                 `json:"has_more"`
}

// ---------------------------------------------------------------------------
// Mapping Functions
// ---------------------------------------------------------------------------

// mapStripeSubscription converts a Stripe subscription to the domain
// types.SubscriptionDetails.
func (s *StripeClient) mapStripeSubscription(sub *stripeSubscription) *types.SubscriptionDetails {
	details := &types.SubscriptionDetails{
		Status:             mapSubscriptionStatus(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}

	if len(sub.Items.Data) > 0 {
		details.Plan = s.catalog.PlanForPrice(sub.Items.Data[0].Price.ID)
	} else {
		details.Plan = types.PlanFree
	}

	return details
}

// mapSubscriptionStatus collapses Stripe's subscription statuses onto the
// domain enum. Trialing counts as active; unpaid counts as past_due;
// incomplete_expired counts as canceled.
func mapSubscriptionStatus(status string) types.SubscriptionStatus {
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
// Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This provides HMAC-SHA256 signature checking
// with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the signature header
// and signing secret. Uses stripe-go's ValidatePayload which checks both
// the HMAC signature and the timestamp tolerance.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	return stripe.ValidatePayload(payload, header, secret)
}

// Compile-time interface checks.
var (
	_ BillingService  = (*StripeClient)(nil)
	_ WebhookVerifier = (*StripeVerifier)(nil)
)
