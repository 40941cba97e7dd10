package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/providerline/internal/availability"
	"github.com/example/providerline/internal/catalog"
	appconfig "github.com/example/providerline/internal/config"
	"github.com/example/providerline/internal/connect"
	"github.com/example/providerline/internal/consent"
	"github.com/example/providerline/internal/convflow"
	"github.com/example/providerline/internal/customers"
	"github.com/example/providerline/internal/gateway"
	"github.com/example/providerline/internal/httpapi"
	"github.com/example/providerline/internal/interpreter"
	"github.com/example/providerline/internal/llm"
	"github.com/example/providerline/internal/observability/metrics"
	"github.com/example/providerline/internal/providers"
	"github.com/example/providerline/internal/router"
	"github.com/example/providerline/internal/safety"
	"github.com/example/providerline/internal/statemachine"
	"github.com/example/providerline/internal/store"
	"github.com/example/providerline/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseURL, cfg.StoreTimeout)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err.Error())
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.AutoMigrate(pool, logger); err != nil {
		logger.Error("failed to run migrations", "error", err.Error())
		os.Exit(1)
	}

	redisClient := buildRedisClient(cfg)
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	convMetrics := metrics.NewConversationMetrics(registry)

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load aws config", "error", err.Error())
		os.Exit(1)
	}

	bedrockClient := llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg))
	var llmClient llm.Client = bedrockClient
	if cfg.LLMFallbackEnabled && strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		geminiClient, geminiErr := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if geminiErr != nil {
			logger.Warn("gemini fallback unavailable", "error", geminiErr.Error())
		} else {
			llmClient = llm.NewFallbackClient(bedrockClient, geminiClient, logger)
		}
	}
	limiter := llm.NewLimiter(cfg.MaxLLMConcurrency)

	synonymStore := store.NewSynonymStore(pool)
	svcCatalog := catalog.New(synonymStore, redisClient, logger)
	if err := svcCatalog.Refresh(ctx); err != nil {
		logger.Warn("initial catalog refresh failed, will retry lazily", "error", err.Error())
	}

	safetyGate := safety.New(redisClient, llmClient, limiter, cfg.BedrockModelID, cfg.LLMTimeout, logger)
	interp := interpreter.New(svcCatalog, llmClient, limiter, cfg.BedrockModelID, cfg.LLMTimeout, logger)

	customerRepo := customers.NewRepository(pool)
	consentRecorder := consent.NewPostgresRecorder(pool)
	consentSvc := consent.New(consentRecorder, llmClient, limiter, cfg.BedrockModelID, cfg.LLMTimeout, logger)

	searcher := providers.NewSearcher(pool, svcCatalog)

	s3Client := s3.NewFromConfig(awsCfg)
	presignClient := s3.NewPresignClient(s3Client)
	connectBuilder := connect.New(presignClient, cfg.S3Bucket, cfg.S3PublicBaseURL, logger)

	sender, err := gateway.New(gateway.Config{
		ReplyWebhookURL: cfg.ReplyWebhookURL,
		AuthToken:       cfg.ReplyWebhookToken,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("failed to configure reply gateway", "error", err.Error())
		os.Exit(1)
	}

	availabilityCoordinator := availability.New(redisClient, sender, availability.Config{
		TTL:          cfg.AvailabilityTTL,
		Timeout:      cfg.AvailabilityTimeout,
		PollInterval: cfg.AvailabilityPollInterval,
	}, logger)

	flowRepo := convflow.NewRepository(redisClient, cfg.FlowTTL)

	machine := statemachine.New(svcCatalog, interp, searcher, availabilityCoordinator, connectBuilder, flowRepo, sender, statemachine.Config{
		MaxConfirmAttempts: cfg.MaxConfirmAttempts,
	}, logger)
	machine.SetMetrics(convMetrics)

	appRouter := router.New(customerRepo, flowRepo, safetyGate, svcCatalog, consentSvc, machine, router.Config{
		SessionTimeout: cfg.SessionTimeout,
	}, logger)

	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()

	handler := httpapi.New(httpapi.Config{
		Logger:         logger,
		Dispatcher:     appRouter,
		Sender:         sender,
		RedisClient:    redisClient,
		DB:             sqlDB,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("matchmaker listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err.Error())
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down matchmaker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err.Error())
		os.Exit(1)
	}

	logger.Info("matchmaker stopped")
}

func buildRedisClient(cfg *appconfig.Config) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

func loadAWSConfig(ctx context.Context, cfg *appconfig.Config) (aws.Config, error) {
	loaders := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if strings.TrimSpace(cfg.AWSAccessKeyID) != "" && strings.TrimSpace(cfg.AWSSecretAccessKey) != "" {
		loaders = append(loaders, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretAccessKey, ""),
		))
	}
	return config.LoadDefaultConfig(ctx, loaders...)
}
