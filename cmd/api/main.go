package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/velora-commerce/checkout-api/internal/analytics"
	"github.com/velora-commerce/checkout-api/internal/commerce"
	"github.com/velora-commerce/checkout-api/internal/handlers"
	"github.com/velora-commerce/checkout-api/internal/payments"
	"github.com/velora-commerce/checkout-api/internal/platform/config"
	"github.com/velora-commerce/checkout-api/internal/platform/observability"
	"github.com/velora-commerce/checkout-api/internal/platform/secrets"
	"github.com/velora-commerce/checkout-api/internal/platform/tasks"
	"github.com/velora-commerce/checkout-api/internal/services"
	"github.com/velora-commerce/checkout-api/internal/shipping"
)

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("checkout-api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(
			"Stripe.APIKey",
			"Stripe.WebhookSecret",
			"Commerce.AccessToken",
		),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:        cfg.Stripe.APIKey,
		SigningSecret: cfg.Stripe.WebhookSecret,
		Logger:        eventLogger(logger.Named("stripe")),
	})
	if err != nil {
		logger.Fatal("failed to initialise payment provider", zap.Error(err))
	}

	backend, err := commerce.NewClient(cfg.Commerce.ShopDomain, cfg.Commerce.AccessToken,
		commerce.WithAPIVersion(cfg.Commerce.APIVersion),
		commerce.WithLogger(eventLogger(logger.Named("commerce"))),
	)
	if err != nil {
		logger.Fatal("failed to initialise order backend", zap.Error(err))
	}

	runner := tasks.NewRunner(eventLogger(logger.Named("tasks")))

	var tracker services.ConversionTracker
	if cfg.Analytics.MeasurementID != "" && cfg.Analytics.APISecret != "" {
		t, err := analytics.NewTracker(cfg.Analytics.MeasurementID, cfg.Analytics.APISecret)
		if err != nil {
			logger.Warn("conversion tracking disabled", zap.Error(err))
		} else {
			tracker = t
		}
	}

	shippingEngine := shipping.NewEngine(shipping.DefaultConfig())

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Payments:         provider,
		Shipping:         shippingEngine,
		SuccessURL:       cfg.Checkout.SuccessURL,
		CancelURL:        cfg.Checkout.CancelURL,
		AllowedCountries: cfg.Checkout.AllowedCountries,
		SessionTTL:       cfg.Checkout.SessionTTL,
		FallbackCountry:  cfg.Checkout.FallbackCountry,
		Logger:           eventLogger(logger.Named("checkout")),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	sessionService, err := services.NewSessionService(services.SessionServiceDeps{
		Payments: provider,
		Logger:   eventLogger(logger.Named("sessions")),
	})
	if err != nil {
		logger.Fatal("failed to initialise session service", zap.Error(err))
	}

	reconciliationService, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Payments:  provider,
		Orders:    backend,
		Tasks:     runner,
		Analytics: tracker,
		Logger:    eventLogger(logger.Named("reconciliation")),
	})
	if err != nil {
		logger.Fatal("failed to initialise reconciliation service", zap.Error(err))
	}

	projectID := strings.TrimSpace(envValues["CHECKOUT_GOOGLE_PROJECT_ID"])

	checkoutHandlers := handlers.NewCheckoutHandlers(checkoutService, sessionService)
	webhookHandlers := handlers.NewWebhookHandlers(provider, reconciliationService,
		handlers.WithWebhookBodyLimit(cfg.Checkout.WebhookBodyLimit),
	)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthVersion(strings.TrimSpace(envValues["CHECKOUT_BUILD_VERSION"])),
	)

	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(projectID),
			observability.RequestLoggerMiddleware(projectID),
			observability.RecoveryMiddleware(logger),
		),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithCheckoutRoutes(checkoutHandlers.Routes),
		handlers.WithCheckoutMiddlewares(handlers.CORSMiddleware(cfg.CORS.AllowedOrigins)),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("checkout api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	drain := cfg.Server.ShutdownDrain
	if drain <= 0 {
		drain = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	// Let in-flight side effects (customer upserts, conversion beacons) finish.
	runner.Wait()
}

// eventLogger adapts zap to the event/fields logging closures the services use.
func eventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(event, zapFields...)
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("CHECKOUT_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	fallbackPath := lookup("CHECKOUT_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if defaultProject := lookup("CHECKOUT_SECRET_PROJECT_ID"); defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("CHECKOUT_GOOGLE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}
