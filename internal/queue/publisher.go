// Package queue provides the SQS producer that carries subscription lifecycle
// events from the Stripe webhook handler to the billing worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"propsight/internal/config"
	"propsight/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventPublisher sends normalized SubscriptionEvents to the billing events
// queue. Delivery downstream is at-least-once; the reconciler owns
// deduplication, so the publisher never needs to track what it already sent.
type EventPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewEventPublisher creates an EventPublisher targeting the billing events
// queue from the AWS configuration.
func NewEventPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{
		client:   client,
		queueURL: awsCfg.BillingEventQueue,
		logger:   logger,
	}
}

// PublishSubscriptionEvent serializes the event to JSON and enqueues it.
//
// A missing TraceID is backfilled from the request context (or a fresh UUID)
// so the billing worker can always correlate its logs with the originating
// webhook delivery.
func (p *EventPublisher) PublishSubscriptionEvent(ctx context.Context, evt types.SubscriptionEvent) error {
	if evt.TraceID == "" {
		if reqID := types.GetRequestID(ctx); reqID != "" {
			evt.TraceID = reqID
		} else {
			evt.TraceID = uuid.New().String()
		}
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal SubscriptionEvent: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(evt.Type)),
			},
			"provider_event_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(evt.ProviderEventID),
			},
		},
	}

	_, err = p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send SubscriptionEvent to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "subscription event published",
		"queue_url", p.queueURL,
		"provider_event_id", evt.ProviderEventID,
		"event_type", string(evt.Type),
		"user_id", evt.UserID,
		"trace_id", evt.TraceID,
	)

	return nil
}
