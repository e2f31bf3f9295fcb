// Package main is the entrypoint for the Billing Worker Lambda function.
//
// The Billing Worker consumes normalized SubscriptionEvents from the billing
// events SQS queue and applies them to the local subscription mirror through
// the reconciler. Events arrive at least once and possibly out of order; the
// reconciler's timestamp-guarded upserts make redelivery safe, so the worker
// itself stays stateless.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Resolve SSM-backed secrets into the environment (non-local only).
//  3. Create the database pool and repositories.
//  4. Initialize CloudWatch telemetry.
//  5. Build the reconciler and register the Lambda handler.
//
// Handler flow per SQS batch:
//
//	For each record (bounded concurrency):
//	  1. Unmarshal the SubscriptionEvent from the message body.
//	  2. Apply it via the reconciler.
//	  3. Malformed bodies and validation failures are ACKed (retrying cannot
//	     fix them); storage failures are reported as partial batch failures
//	     so SQS redelivers only the affected messages.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"golang.org/x/sync/errgroup"

	"propsight/internal/billing"
	"propsight/internal/config"
	"propsight/internal/db"
	"propsight/internal/telemetry"
	"propsight/internal/types"
)

// maxConcurrentRecords bounds how many events from one SQS batch are applied
// at the same time. Events for the same user serialize at the database row
// anyway, so a small limit keeps pool pressure low.
const maxConcurrentRecords = 4

// slogAdapter wraps *slog.Logger to implement the types.Logger interface.
// slog.Logger satisfies Info, Error, and Warn directly, but With returns
// *slog.Logger rather than types.Logger, so an adapter is necessary.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *slogAdapter) With(args ...any) types.Logger {
	return &slogAdapter{logger: a.logger.With(args...)}
}

// eventApplier is the reconciler surface the worker needs.
type eventApplier interface {
	Apply(ctx context.Context, evt *types.SubscriptionEvent) error
}

// Handler holds the dependencies for the billing worker Lambda handler.
type Handler struct {
	reconciler eventApplier
	logger     types.Logger
}

// Handle processes an SQS event containing one or more subscription events.
// Lambda SQS integration uses partial batch responses: messages that fail
// processing are returned in batchItemFailures so SQS retries only them.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	var (
		mu       sync.Mutex
		response events.SQSEventResponse
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRecords)

	for _, record := range sqsEvent.Records {
		g.Go(func() error {
			if err := h.processRecord(gctx, record); err != nil {
				h.logger.Error("failed to process SQS message",
					"message_id", record.MessageId,
					"error", err.Error(),
				)
				mu.Lock()
				response.BatchItemFailures = append(response.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
				)
				mu.Unlock()
			}
			// Failures are reported per message, never as a batch error.
			return nil
		})
	}

	_ = g.Wait()

	return response, nil
}

// processRecord applies a single subscription event. A returned error means
// the message should be redelivered; permanent failures return nil so the
// message is ACKed and not retried.
func (h *Handler) processRecord(ctx context.Context, record events.SQSMessage) error {
	var evt types.SubscriptionEvent
	if err := json.Unmarshal([]byte(record.Body), &evt); err != nil {
		h.logger.Error("failed to unmarshal subscription event",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure: redelivery cannot fix the payload.
		return nil
	}

	logger := h.logger.With(
		"provider_event_id", evt.ProviderEventID,
		"event_type", string(evt.Type),
		"user_id", evt.UserID,
		"retry_count", evt.RetryCount,
		"trace_id", evt.TraceID,
	)

	logger.Info("applying subscription event")

	if err := h.reconciler.Apply(ctx, &evt); err != nil {
		if isPermanentFailure(err) {
			logger.Error("subscription event rejected, not retrying",
				"error", err.Error(),
			)
			return nil
		}
		return fmt.Errorf("apply subscription event: %w", err)
	}

	logger.Info("subscription event applied")
	return nil
}

// isPermanentFailure reports whether the reconciler error is a validation
// failure that no amount of redelivery will fix.
func isPermanentFailure(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return strings.HasPrefix(string(appErr.Code), "validation_")
}

func main() {
	// Initialize structured logger at startup (Cold Start).
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("Billing Worker Lambda initializing (cold start)")

	typedLogger := &slogAdapter{logger: logger}

	// Resolve SSM-backed secrets (DATABASE_URL et al.) into the environment.
	// Local development reads them from the environment directly.
	if err := config.ResolveSecrets(config.NewSSMProvider(os.Getenv("AWS_REGION"))); err != nil {
		logger.Error("Failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	clock := types.RealClock{}

	// Database pool. The worker applies one event per message, so a small
	// pool is sufficient.
	pool, err := db.NewPool(ctx, config.DatabaseConfig{
		URL:               types.SecretString(os.Getenv("DATABASE_URL")),
		MaxConns:          maxConcurrentRecords,
		MinConns:          1,
		MaxConnLifetime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	})
	if err != nil {
		logger.Error("Failed to create database pool", "error", err)
		os.Exit(1)
	}
	repos := db.NewRegistry(pool, logger)

	// CloudWatch telemetry for per-event success/failure counts.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("Failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}
	metrics := telemetry.NewCollector(cloudwatch.NewFromConfig(awsCfg), logger)

	reconciler := billing.NewReconciler(repos.Subscriptions(), repos.Usage(), clock, metrics, typedLogger)

	handler := &Handler{
		reconciler: reconciler,
		logger:     typedLogger,
	}

	logger.Info("Billing Worker Lambda initialized")

	lambda.Start(handler.Handle)
}

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)
