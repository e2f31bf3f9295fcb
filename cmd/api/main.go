// Package main is the entry point for the PropSight API server.
//
// It loads configuration, builds the full dependency graph (database pool,
// repositories, auth services, billing enforcement, Stripe client, SQS
// publisher, CloudWatch telemetry), mounts the HTTP routes on the core
// chassis, and starts serving.
//
// In local mode (APP_ENV=local), it runs as a standard HTTP server on the
// configured port. Inside AWS Lambda, it bridges API Gateway events to the
// chi router via the chi adapter.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"

	"propsight/internal/api/handlers"
	"propsight/internal/auth"
	"propsight/internal/billing"
	"propsight/internal/config"
	"propsight/internal/core"
	"propsight/internal/db"
	"propsight/internal/external"
	"propsight/internal/queue"
	"propsight/internal/telemetry"
	"propsight/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// Load configuration. Local development bypasses SSM resolution; every
	// other environment resolves _SSM_PARAM pointers through the provider.
	var provider config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("propsight API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()
	clock := types.RealClock{}
	typedLogger := &slogAdapter{logger: logger}

	// Database pool and repositories.
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}
	repos := db.NewRegistry(pool, logger)

	// AWS clients. EndpointURL points at LocalStack in local development.
	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.EndpointURL != "" {
		awsOpts = append(awsOpts, awsconfig.WithBaseEndpoint(cfg.AWS.EndpointURL))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	metrics := telemetry.NewCollector(cwClient, logger)

	// Build the server chassis.
	srv, err := core.NewServer(cfg, repos, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.RateLimitStore = db.NewRateLimitStore(pool, clock)
	srv.HealthProbes = []core.HealthProbe{db.NewProbe(pool)}

	// Security: brute force tracking and IP blocking.
	securitySvc := auth.NewSecurityService(
		db.NewSecurityRepository(pool),
		auth.DefaultSecurityConfig(),
		clock,
		logger,
	)
	srv.SecurityService = securitySvc

	// Session resolution for the auth middleware.
	srv.Authenticator = auth.NewSessionAuthenticator(repos.Sessions(), repos.Users(), clock, logger)

	// Billing enforcement: resolver, quota gate, reconciler, usage reporter.
	resolver := billing.NewResolver(repos.Subscriptions(), clock)
	plans := billing.NewStaticPlanRegistry()
	gate := billing.NewGate(resolver, repos.Usage(), plans, clock, metrics, typedLogger)
	reconciler := billing.NewReconciler(repos.Subscriptions(), repos.Usage(), clock, metrics, typedLogger)
	reporter := billing.NewUsageReporter(resolver, repos.Usage(), plans, clock)

	// Auth service: signup provisions the free-tier subscription through the
	// reconciler; user and session writes share a transaction.
	sessionCfg := auth.DefaultSessionConfig()
	if cfg.Auth.SessionTTL > 0 {
		sessionCfg.SessionDuration = cfg.Auth.SessionTTL
	}
	sessionSvc := auth.NewSessionService(
		db.NewSessionRepository(pool),
		auth.NewCryptoTokenGenerator(),
		sessionCfg,
		clock,
		logger,
	)
	authSvc := auth.NewAuthService(auth.AuthServiceConfig{
		UserRepo:       db.NewUserRepository(pool),
		SessionService: sessionSvc,
		Security:       securitySvc,
		TxManager:      db.NewTxManager(pool),
		Provisioner:    reconciler,
		Hasher:         auth.NewBcryptHasher(cfg.Auth.BcryptCost),
		Clock:          clock,
		Logger:         logger,
	})

	// Stripe: API client for checkout/portal, price catalog, webhook pipeline.
	catalog := external.NewPriceCatalog(cfg.Billing.PriceIDPro, cfg.Billing.PriceIDEnterprise)
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		repos.SubscriptionStore(),
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			Catalog:   catalog,
			Logger:    logger,
		},
	)
	publisher := queue.NewEventPublisher(sqsClient, cfg.AWS, logger)

	// Domain handlers.
	authHandler := handlers.NewAuthHandler(authSvc, handlers.DefaultCookieConfig(), logger, srv.Validator)
	analysisHandler := handlers.NewAnalysisHandler(gate, repos.Analyses(), srv.Validator, logger)
	billingHandler := handlers.NewBillingHandler(stripeClient, reporter, repos.Users(), cfg, srv.Validator, logger)
	webhookHandler := handlers.NewStripeWebhookHandler(
		&external.StripeVerifier{},
		publisher,
		reconciler,
		catalog,
		cfg.Billing.StripeWebhookSecret.Unmask(),
		cfg.Billing.InlineFallback,
		logger,
	)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		authHandler.RegisterRoutes,
		analysisHandler.RegisterRoutes,
		billingHandler.RegisterRoutes,
		webhookHandler.RegisterRoutes,
	)

	// Mount all routes (middleware chain + versioned endpoints + health).
	srv.MountRoutes()

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}

	return runHTTPServer(srv, cfg, logger)
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda starts the server in AWS Lambda mode, bridging API Gateway proxy
// events to the chi router.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	adapter := chiadapter.New(srv.Router())

	logger.Info("starting in Lambda mode")
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Channel to capture server errors from ListenAndServe.
	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for shutdown signal or server error.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with a 10-second deadline.
	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	// Shutdown server resources (DB pool).
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}

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

// Compile-time assertion that slogAdapter implements types.Logger.
var _ types.Logger = (*slogAdapter)(nil)
