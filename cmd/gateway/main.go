package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/api"
	"github.com/lalithlochan/meetsync/internal/booking"
	"github.com/lalithlochan/meetsync/internal/calendly"
	"github.com/lalithlochan/meetsync/internal/channel"
	"github.com/lalithlochan/meetsync/internal/circuitbreaker"
	"github.com/lalithlochan/meetsync/internal/config"
	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/dispatch"
	"github.com/lalithlochan/meetsync/internal/observ"
	"github.com/lalithlochan/meetsync/internal/redis"
	"github.com/lalithlochan/meetsync/internal/sqs"
	"github.com/lalithlochan/meetsync/internal/subscription"
	"github.com/lalithlochan/meetsync/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	logger, flush, err := observ.WithSentry(logger, cfg.SentryDSN, cfg.Env)
	if err != nil {
		return fmt.Errorf("failed to attach sentry: %w", err)
	}
	defer flush()
	defer func() { _ = logger.Sync() }()

	logger.Info("starting meetsync gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis is optional: without it callbacks are not deduplicated and the
	// API is not rate limited.
	var (
		deduper api.Deduper
		limiter api.Limiter
	)
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, delivery dedupe and rate limiting disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		deduper = redis.NewIdempotencyService(redisClient, logger)
		limiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitPerMinute,
			Window: time.Minute,
		})
	}

	protect := func(a channel.Adapter) channel.Adapter {
		return circuitbreaker.NewProtectedAdapter(a, circuitbreaker.DefaultConfig(a.Name()), logger)
	}
	adapters := []channel.Adapter{
		protect(channel.NewDiscord(logger, channel.DiscordConfig{Timeout: cfg.AdapterTimeout})),
		protect(channel.NewSlack(logger, channel.SlackConfig{BaseURL: cfg.SlackAPIURL, Timeout: cfg.AdapterTimeout})),
	}
	snsAdapter, err := channel.NewSNS(ctx, channel.SNSConfig{Region: cfg.SNSRegion, Endpoint: cfg.AWSEndpoint}, logger)
	if err != nil {
		logger.Warn("sns channel unavailable", zap.Error(err))
	} else {
		adapters = append(adapters, protect(snsAdapter))
	}

	dispatcher := dispatch.New(repo, adapters, dispatch.Config{
		Timeout:          cfg.AdapterTimeout,
		DashboardBaseURL: cfg.DashboardBaseURL,
		Recorder:         repo,
	}, logger)

	service := booking.NewService(repo, dispatcher, booking.SystemClock{}, logger)

	provider := calendly.NewClient(calendly.Config{BaseURL: cfg.CalendlyAPIURL}, logger)
	subs := subscription.NewManager(provider, repo, cfg.PublicBaseURL, logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	var bg sync.WaitGroup

	opts := api.Options{Deduper: deduper}
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL, Endpoint: cfg.AWSEndpoint}
		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs producer: %w", err)
		}
		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}
		opts.Producer = producer

		w := worker.New(consumer, service, worker.Config{}, logger)
		bg.Add(1)
		go func() {
			defer bg.Done()
			w.Start(bgCtx)
		}()
		logger.Info("async callback ingestion enabled", zap.String("queue_url", cfg.SQSQueueURL))
	}

	if cfg.ReconcileSweepInterval > 0 {
		sweeper := worker.NewSweeper(repo, booking.SystemClock{}, cfg.ReconcileSweepInterval, logger)
		bg.Add(1)
		go func() {
			defer bg.Done()
			sweeper.Start(bgCtx)
		}()
		logger.Info("completion sweep enabled", zap.Duration("interval", cfg.ReconcileSweepInterval))
	}

	handler := api.NewHandler(logger, service, repo, subs, opts)
	router := api.NewRouter(handler, api.RouterConfig{
		AdminKey: cfg.AdminAPIKey,
		Limiter:  limiter,
		Health:   database.Health,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second, // dispatch runs inside the request
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		bgCancel()
		bg.Wait()
		logger.Info("server stopped gracefully")
	}

	return nil
}
