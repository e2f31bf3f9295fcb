package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricAuthorizationAllowed = "AuthorizationAllowed"
	MetricAuthorizationDenied  = "AuthorizationDenied"
	MetricSubscriptionEvent    = "SubscriptionEventProcessed"
	MetricSubscriptionFailure  = "SubscriptionEventFailure"
	MetricAPILatency           = "APILatency"
	MetricExternalAPIFailure   = "ExternalAPIFailure"

	// Dimension Keys
	DimPlan      = "Plan"
	DimEventType = "EventType"
	DimEndpoint  = "Endpoint"
	DimProvider  = "Provider"

	// Metric Namespace
	MetricNamespace = "PropSight"
)
