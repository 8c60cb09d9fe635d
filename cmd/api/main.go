package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/kursadbilgin/webhook-engine/internal/config"
	"github.com/kursadbilgin/webhook-engine/internal/handler"
	"github.com/kursadbilgin/webhook-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/webhook-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/webhook-engine/internal/infra/redis"
	"github.com/kursadbilgin/webhook-engine/internal/observability"
	"github.com/kursadbilgin/webhook-engine/internal/provider"
	"github.com/kursadbilgin/webhook-engine/internal/queue"
	"github.com/kursadbilgin/webhook-engine/internal/ratelimit"
	"github.com/kursadbilgin/webhook-engine/internal/repository"
	"github.com/kursadbilgin/webhook-engine/internal/service"
	"github.com/kursadbilgin/webhook-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.DefaultPoolConfig())
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer mq.Close()

	metrics := observability.NewMetrics()
	subscriptions := repository.NewGormSubscriptionRepo(db)
	deliveries := repository.NewGormDeliveryRepo(db)

	sender, err := provider.NewWebhookProvider(cfg.WebhookTimeout, cfg.WebhookUserAgent)
	if err != nil {
		logger.Fatal("webhook provider initialization failed", zap.Error(err))
	}

	var limiter ratelimit.RateLimiter = ratelimit.Unlimited{}
	if cfg.RateLimitPerSec > 0 {
		limiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
	}

	registry, err := service.NewRegistryService(subscriptions, deliveries, logger)
	if err != nil {
		logger.Fatal("registry initialization failed", zap.Error(err))
	}

	resolver, err := service.NewResolver(subscriptions)
	if err != nil {
		logger.Fatal("resolver initialization failed", zap.Error(err))
	}

	breaker, err := service.NewCircuitBreaker(subscriptions, cfg.CircuitBreakerThreshold, logger)
	if err != nil {
		logger.Fatal("circuit breaker initialization failed", zap.Error(err))
	}
	breaker.SetMetrics(metrics)

	dispatcher, err := service.NewDispatcher(service.DispatcherDeps{
		Resolver:    resolver,
		Deliveries:  deliveries,
		Provider:    sender,
		Breaker:     breaker,
		RateLimiter: limiter,
		Publisher:   queue.NewRabbitMQPublisher(mq),
		Logger:      logger,
	}, cfg.DispatchConcurrency)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	scheduler, err := service.NewRetryScheduler(deliveries, subscriptions, sender, breaker, limiter, cfg.SweepConcurrency, logger)
	if err != nil {
		logger.Fatal("retry scheduler initialization failed", zap.Error(err))
	}
	scheduler.SetMetrics(metrics)

	sweepLock, err := infraredis.NewLock(rdb, infraredis.SweepLockKey)
	if err != nil {
		logger.Fatal("sweep lock initialization failed", zap.Error(err))
	}

	sweeps, err := service.NewSweepRunner(scheduler, sweepLock, cfg.RetrySweepInterval, cfg.RetrySweepLimit, logger)
	if err != nil {
		logger.Fatal("sweep runner initialization failed", zap.Error(err))
	}

	consumer := queue.NewRabbitMQConsumer(mq, cfg.WorkerPrefetch, logger)
	worker, err := service.NewEventWorker(consumer, dispatcher, cfg.WorkerConcurrency, logger)
	if err != nil {
		logger.Fatal("event worker initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler:          transport.ErrorHandler(logger),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app,
		handler.PostgresCheck(sqlDB),
		handler.RedisCheck(rdb),
		handler.ReadinessCheck{Name: "rabbitmq", Check: mq.Ping},
	)
	if err := handler.RegisterWebhookRoutes(app, registry); err != nil {
		logger.Fatal("webhook routes registration failed", zap.Error(err))
	}
	if err := handler.RegisterEventRoutes(app, dispatcher, sweeps); err != nil {
		logger.Fatal("event routes registration failed", zap.Error(err))
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Start(groupCtx) })
	g.Go(func() error { return sweeps.Start(groupCtx) })
	g.Go(func() error {
		logger.Info("webhook-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		logger.Error("webhook-engine stopped with error", zap.Error(err))
	}
}
