package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"propsight/internal/config"
	"propsight/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	// calls records every SendMessageInput passed to SendMessage.
	calls []*sqs.SendMessageInput
	// err is returned by SendMessage if non-nil (simulates SQS failures).
	err error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

// --- Test Helpers ---

const testBillingQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/billing-events"

func newTestPublisher(mock *mockSQSSender) *EventPublisher {
	awsCfg := config.AWSConfig{
		BillingEventQueue: testBillingQueueURL,
	}
	return NewEventPublisher(mock, awsCfg, slog.Default())
}

func activationEvent() types.SubscriptionEvent {
	return types.SubscriptionEvent{
		ProviderEventID:      "evt_act_001",
		Type:                 types.SubEventActivated,
		UserID:               "usr_123",
		Plan:                 types.PlanPro,
		Status:               types.SubStatusActive,
		PeriodStart:          time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:            time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		StripeCustomerID:     "cus_123",
		StripeSubscriptionID: "sub_123",
		OccurredAt:           time.Date(2026, 2, 1, 0, 0, 5, 0, time.UTC),
		TraceID:              "trace_001",
	}
}

// --- Tests ---

func TestPublishSubscriptionEvent_SendsToBillingQueue(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.PublishSubscriptionEvent(context.Background(), activationEvent())
	if err != nil {
		t.Fatalf("PublishSubscriptionEvent returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	if *mock.calls[0].QueueUrl != testBillingQueueURL {
		t.Errorf("expected queue URL %q, got %q", testBillingQueueURL, *mock.calls[0].QueueUrl)
	}
}

func TestPublishSubscriptionEvent_PreservesFullPayload(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	original := activationEvent()
	err := pub.PublishSubscriptionEvent(context.Background(), original)
	if err != nil {
		t.Fatalf("PublishSubscriptionEvent returned unexpected error: %v", err)
	}

	var decoded types.SubscriptionEvent
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if decoded.ProviderEventID != original.ProviderEventID {
		t.Errorf("ProviderEventID mismatch: got %q, want %q", decoded.ProviderEventID, original.ProviderEventID)
	}
	if decoded.Type != original.Type {
		t.Errorf("Type mismatch: got %q, want %q", decoded.Type, original.Type)
	}
	if decoded.UserID != original.UserID {
		t.Errorf("UserID mismatch: got %q, want %q", decoded.UserID, original.UserID)
	}
	if decoded.Plan != original.Plan {
		t.Errorf("Plan mismatch: got %q, want %q", decoded.Plan, original.Plan)
	}
	if decoded.Status != original.Status {
		t.Errorf("Status mismatch: got %q, want %q", decoded.Status, original.Status)
	}
	if !decoded.PeriodStart.Equal(original.PeriodStart) {
		t.Errorf("PeriodStart mismatch: got %v, want %v", decoded.PeriodStart, original.PeriodStart)
	}
	if !decoded.PeriodEnd.Equal(original.PeriodEnd) {
		t.Errorf("PeriodEnd mismatch: got %v, want %v", decoded.PeriodEnd, original.PeriodEnd)
	}
	if decoded.StripeCustomerID != original.StripeCustomerID {
		t.Errorf("StripeCustomerID mismatch: got %q, want %q", decoded.StripeCustomerID, original.StripeCustomerID)
	}
	if decoded.StripeSubscriptionID != original.StripeSubscriptionID {
		t.Errorf("StripeSubscriptionID mismatch: got %q, want %q", decoded.StripeSubscriptionID, original.StripeSubscriptionID)
	}
	if !decoded.OccurredAt.Equal(original.OccurredAt) {
		t.Errorf("OccurredAt mismatch: got %v, want %v", decoded.OccurredAt, original.OccurredAt)
	}
	if decoded.TraceID != original.TraceID {
		t.Errorf("TraceID mismatch: got %q, want %q", decoded.TraceID, original.TraceID)
	}
}

func TestPublishSubscriptionEvent_SetsMessageAttributes(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.PublishSubscriptionEvent(context.Background(), activationEvent())
	if err != nil {
		t.Fatalf("PublishSubscriptionEvent returned unexpected error: %v", err)
	}

	attrs := mock.calls[0].MessageAttributes

	eventType, ok := attrs["event_type"]
	if !ok {
		t.Fatal("expected 'event_type' message attribute to be set")
	}
	if *eventType.StringValue != string(types.SubEventActivated) {
		t.Errorf("expected event_type %q, got %q", types.SubEventActivated, *eventType.StringValue)
	}
	if *eventType.DataType != "String" {
		t.Errorf("expected DataType 'String', got %q", *eventType.DataType)
	}

	providerID, ok := attrs["provider_event_id"]
	if !ok {
		t.Fatal("expected 'provider_event_id' message attribute to be set")
	}
	if *providerID.StringValue != "evt_act_001" {
		t.Errorf("expected provider_event_id 'evt_act_001', got %q", *providerID.StringValue)
	}
}

func TestPublishSubscriptionEvent_BackfillsTraceIDFromContext(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	evt := activationEvent()
	evt.TraceID = ""

	ctx := types.WithRequestID(context.Background(), "req_trace_abc")
	err := pub.PublishSubscriptionEvent(ctx, evt)
	if err != nil {
		t.Fatalf("PublishSubscriptionEvent returned unexpected error: %v", err)
	}

	var decoded types.SubscriptionEvent
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if decoded.TraceID != "req_trace_abc" {
		t.Errorf("expected TraceID backfilled from request context, got %q", decoded.TraceID)
	}
}

func TestPublishSubscriptionEvent_GeneratesTraceIDWhenNoContext(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	evt := activationEvent()
	evt.TraceID = ""

	err := pub.PublishSubscriptionEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("PublishSubscriptionEvent returned unexpected error: %v", err)
	}

	var decoded types.SubscriptionEvent
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if decoded.TraceID == "" {
		t.Error("expected a generated TraceID, got empty string")
	}
}

func TestPublishSubscriptionEvent_PreservesExistingTraceID(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	evt := activationEvent()
	evt.TraceID = "existing_trace"

	ctx := types.WithRequestID(context.Background(), "should_not_win")
	err := pub.PublishSubscriptionEvent(ctx, evt)
	if err != nil {
		t.Fatalf("PublishSubscriptionEvent returned unexpected error: %v", err)
	}

	var decoded types.SubscriptionEvent
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if decoded.TraceID != "existing_trace" {
		t.Errorf("expected existing TraceID preserved, got %q", decoded.TraceID)
	}
}

func TestPublishSubscriptionEvent_CancellationOmitsPeriod(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	evt := types.SubscriptionEvent{
		ProviderEventID: "evt_cancel_001",
		Type:            types.SubEventCanceled,
		UserID:          "usr_123",
		Status:          types.SubStatusCanceled,
		OccurredAt:      time.Date(2026, 2, 15, 9, 30, 0, 0, time.UTC),
		TraceID:         "trace_cancel",
	}

	err := pub.PublishSubscriptionEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("PublishSubscriptionEvent returned unexpected error: %v", err)
	}

	var decoded types.SubscriptionEvent
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &decoded); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if decoded.Type != types.SubEventCanceled {
		t.Errorf("expected type %q, got %q", types.SubEventCanceled, decoded.Type)
	}
	if !decoded.PeriodStart.IsZero() || !decoded.PeriodEnd.IsZero() {
		t.Errorf("expected zero period on cancellation, got [%v, %v]", decoded.PeriodStart, decoded.PeriodEnd)
	}
}

func TestPublishSubscriptionEvent_SQSError(t *testing.T) {
	sqsErr := fmt.Errorf("service unavailable")
	mock := &mockSQSSender{err: sqsErr}
	pub := newTestPublisher(mock)

	err := pub.PublishSubscriptionEvent(context.Background(), activationEvent())
	if err == nil {
		t.Fatal("expected error from PublishSubscriptionEvent, got nil")
	}
	if !strings.Contains(err.Error(), "failed to send SubscriptionEvent") {
		t.Errorf("expected error message to contain 'failed to send SubscriptionEvent', got %q", err.Error())
	}
	if !strings.Contains(err.Error(), testBillingQueueURL) {
		t.Errorf("expected error message to contain queue URL %q, got %q", testBillingQueueURL, err.Error())
	}
}

func TestNewEventPublisher_ConfiguresQueueURL(t *testing.T) {
	mock := &mockSQSSender{}
	awsCfg := config.AWSConfig{
		BillingEventQueue: "https://sqs.us-east-1.amazonaws.com/custom/billing",
	}

	pub := NewEventPublisher(mock, awsCfg, slog.Default())

	if pub.queueURL != awsCfg.BillingEventQueue {
		t.Errorf("queue URL mismatch: got %q, want %q", pub.queueURL, awsCfg.BillingEventQueue)
	}
}
