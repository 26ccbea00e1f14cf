package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelbridge/gateway/internal/api"
	"github.com/modelbridge/gateway/internal/auth"
	"github.com/modelbridge/gateway/internal/cache"
	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/config"
	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/notifications"
	"github.com/modelbridge/gateway/internal/provider"
	"github.com/modelbridge/gateway/internal/provider/azure"
	"github.com/modelbridge/gateway/internal/provider/bedrock"
	"github.com/modelbridge/gateway/internal/queue"
	"github.com/modelbridge/gateway/internal/ratelimit"
	"github.com/modelbridge/gateway/internal/repository"
	"github.com/modelbridge/gateway/internal/resilience"
	"github.com/modelbridge/gateway/internal/router"
	"github.com/modelbridge/gateway/internal/secrets"
	"github.com/modelbridge/gateway/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting gateway", "addr", cfg.Addr, "version", "0.3.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "modelbridge-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Warn("telemetry init failed, tracing disabled", "error", err)
	}

	clients := make(map[domain.Provider]provider.Client)

	if cfg.AzureConfigured() {
		apiKey := cfg.AzureAPIKey
		if cfg.AzureSecretName != "" {
			sm, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
			if err != nil {
				slog.Error("failed to init secrets manager", "error", err)
				os.Exit(1)
			}
			apiKey, err = sm.GetSecret(ctx, cfg.AzureSecretName)
			if err != nil {
				slog.Error("failed to resolve Azure API key secret", "error", err, "secret", cfg.AzureSecretName)
				os.Exit(1)
			}
			slog.Info("resolved Azure API key from Secrets Manager", "secret", cfg.AzureSecretName)
		}
		clients[domain.ProviderAzure] = azure.New(cfg.AzureEndpoint, apiKey, cfg.AzureAPIVersion)
		slog.Info("registered provider", "provider", "azure", "endpoint", cfg.AzureEndpoint)
	}

	if cfg.BedrockConfigured() {
		bc, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to init bedrock client", "error", err)
			os.Exit(1)
		}
		clients[domain.ProviderBedrock] = bc
		slog.Info("registered provider", "provider", "bedrock", "region", cfg.AWSRegion)
	}

	if len(clients) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	configured := make(map[domain.Provider]bool, len(clients))
	for p := range clients {
		configured[p] = true
	}
	modelRouter := router.New(configured)

	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Cooldown:         cfg.BreakerCooldown,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMax,
	}
	var registryOpts []circuitbreaker.RegistryOption
	if cfg.UseDistributedCircuitBreaker && cfg.RedisURL != "" {
		registryOpts = append(registryOpts, circuitbreaker.WithRedis(cfg.RedisURL))
		slog.Info("using distributed circuit breakers", "url", cfg.RedisURL)
	}
	breakers := circuitbreaker.NewRegistry(breakerCfg, registryOpts...)

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.RetryMaxAttempts
	retryCfg.BaseDelay = cfg.RetryBaseDelay
	retryCfg.MaxDelay = cfg.RetryMaxDelay
	retryCfg.PerAttemptTimeout = cfg.AttemptTimeout

	health := resilience.NewHealthTracker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown)
	executor := resilience.NewExecutor(breakers, retryCfg, health)

	var rateLimiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rateLimiter, err = ratelimit.NewRedisRateLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Info("using redis rate limiter", "url", cfg.RedisURL)
	} else {
		rateLimiter = ratelimit.NewInMemoryRateLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var responseCache cache.Cache
	if cfg.RedisURL != "" {
		responseCache, err = cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			slog.Warn("failed to connect to redis for cache, using in-memory", "error", err)
			responseCache = cache.NewInMemoryCache()
		} else {
			slog.Info("using redis cache")
		}
	} else {
		responseCache = cache.NewInMemoryCache()
		slog.Info("using in-memory cache")
	}

	var usageRepo repository.UsageRepository
	if cfg.DatabaseURL != "" {
		pg, err := repository.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		usageRepo = pg
		slog.Info("usage records persisted to postgres")
	}

	var usagePublisher queue.UsagePublisher
	if cfg.SQSUsageQueueURL != "" && cfg.AWSRegion != "" {
		usagePublisher, err = queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.SQSUsageQueueURL)
		if err != nil {
			slog.Warn("failed to init SQS usage publisher", "error", err)
			usagePublisher = nil
		} else {
			slog.Info("publishing usage events to SQS", "queue", cfg.SQSUsageQueueURL)
		}
	}

	var notifier notifications.Notifier = notifications.LogNotifier{}
	if cfg.SNSTopicARN != "" && cfg.AWSRegion != "" {
		sn, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.SNSTopicARN)
		if err != nil {
			slog.Warn("failed to init SNS notifier, logging only", "error", err)
		} else {
			notifier = sn
			slog.Info("publishing provider notifications to SNS", "topic", cfg.SNSTopicARN)
		}
	}

	simulate := map[domain.Provider]bool{}
	if cfg.AzureSimulatedStreaming {
		simulate[domain.ProviderAzure] = true
	}

	handler := api.NewHandler(api.HandlerConfig{
		Verifier:          auth.NewVerifier(cfg.APIKeyHashes),
		RateLimiter:       rateLimiter,
		RateLimitRPM:      cfg.RateLimitRPM,
		Router:            modelRouter,
		Executor:          executor,
		Clients:           clients,
		Cache:             responseCache,
		CacheTTL:          5 * time.Minute,
		FallbackEnabled:   cfg.FallbackEnabled,
		SimulateStreaming: simulate,
		Usage:             usagePublisher,
		UsageRepo:         usageRepo,
		Notifier:          notifications.NewDeduper(notifier),
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streams stay open for as long as the model generates
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
