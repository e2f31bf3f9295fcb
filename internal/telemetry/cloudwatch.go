// Package telemetry emits CloudWatch metrics for authorization decisions,
// subscription event processing, and API request latency.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"propsight/internal/billing"
	"propsight/internal/core"
	"propsight/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Collector publishes the metric constants from the types package to a single
// CloudWatch namespace. Emission is best effort: a metric publish failure is
// logged and never propagated to the calling request or worker.
//
// Metrics emitted:
//   - AuthorizationAllowed / AuthorizationDenied: Dims {Plan}
//   - SubscriptionEventProcessed / SubscriptionEventFailure: Dims {EventType}
//   - APILatency: Dims {Endpoint}
//   - ExternalAPIFailure: Dims {Provider}
type Collector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// Compile-time checks against the consumer-side interfaces.
var (
	_ billing.DecisionRecorder = (*Collector)(nil)
	_ billing.EventRecorder    = (*Collector)(nil)
	_ core.MetricsCollector    = (*Collector)(nil)
)

// NewCollector creates a Collector publishing to the PropSight namespace.
func NewCollector(client CloudWatchClient, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// RecordAuthorization emits an allowed or denied count with the Plan dimension.
func (c *Collector) RecordAuthorization(ctx context.Context, plan types.PlanTier, allowed bool) {
	name := types.MetricAuthorizationAllowed
	if !allowed {
		name = types.MetricAuthorizationDenied
	}

	c.put(ctx, name, 1, cwtypes.StandardUnitCount, []cwtypes.Dimension{
		{
			Name:  aws.String(types.DimPlan),
			Value: aws.String(string(plan)),
		},
	})
}

// RecordSubscriptionEvent emits a processed or failure count with the
// EventType dimension.
func (c *Collector) RecordSubscriptionEvent(ctx context.Context, eventType types.SubscriptionEventType, success bool) {
	name := types.MetricSubscriptionEvent
	if !success {
		name = types.MetricSubscriptionFailure
	}

	c.put(ctx, name, 1, cwtypes.StandardUnitCount, []cwtypes.Dimension{
		{
			Name:  aws.String(types.DimEventType),
			Value: aws.String(string(eventType)),
		},
	})
}

// RecordRequest emits API request latency in milliseconds with the Endpoint
// dimension. Called from the metrics middleware after the response is written,
// so it carries no request context.
func (c *Collector) RecordRequest(method, endpoint, status string, duration time.Duration) {
	c.put(context.Background(), types.MetricAPILatency,
		float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds,
		[]cwtypes.Dimension{
			{
				Name:  aws.String(types.DimEndpoint),
				Value: aws.String(method + " " + endpoint),
			},
		})
}

// RecordExternalFailure emits an upstream failure count with the Provider
// dimension.
func (c *Collector) RecordExternalFailure(ctx context.Context, provider string) {
	c.put(ctx, types.MetricExternalAPIFailure, 1, cwtypes.StandardUnitCount,
		[]cwtypes.Dimension{
			{
				Name:  aws.String(types.DimProvider),
				Value: aws.String(provider),
			},
		})
}

func (c *Collector) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims []cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: dims,
			},
		},
	}

	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		c.logger.ErrorContext(ctx, "failed to publish metric",
			"metric", name,
			"error", err,
		)
	}
}
