package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/api"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/clock"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/config"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/dispatch"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/idempotency"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/kafka"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/observability"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers/circle"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers/nymcard"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers/ramp"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers/wio"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/repository/postgres"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/resilience"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/retry"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	if cfg.RunMigrations {
		if err := runMigrations(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	metrics := observability.NewMetrics("keyspay")
	healthHandler := observability.NewHealthHandler(pool)

	eventRepo := postgres.NewWebhookEventRepository(pool)
	clk := clock.RealClock{}

	poster := providers.NewLedgerPoster(
		postgres.NewLedgerRepository(pool),
		postgres.NewReconciliationRepository(pool),
		logger,
	)
	poster.OnReconciliation = metrics.ReconciliationPending.Inc

	registries := buildRegistries(pool, poster, clk, logger)
	for provider, registry := range registries {
		logger.Info("registered provider handlers",
			"provider", provider,
			"event_types", registry.EventTypes(),
		)
	}

	rateLimiter := resilience.NewRateLimiterManager(resilience.DefaultRateLimiterConfig())
	circuitBreaker := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())
	circuitBreaker.OnStateChange(func(provider domain.Provider, from, to resilience.CircuitBreakerState) {
		logger.Warn("circuit breaker state change", "provider", provider, "from", from, "to", to)
		metrics.CircuitBreakerState.WithLabelValues(string(provider)).Set(breakerStateValue(to))
	})

	processor := retry.NewProcessor(eventRepo, retry.DefaultPolicy(), clk, logger)

	opts := []api.WebhookHandlerOption{api.WithMetrics(metrics)}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, continuing without dedup cache", "error", err)
		} else {
			defer redisClient.Close()
			opts = append(opts, api.WithDedupCache(idempotency.NewRedisCache(redisClient, idempotency.DefaultTTL)))
			logger.Info("dedup cache enabled")
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			BatchTimeout: 10 * time.Millisecond,
		}, logger)
		defer publisher.Close()
		opts = append(opts, api.WithPublisher(publisher))
		logger.Info("processed-event publisher enabled", "topic", cfg.KafkaTopic)
	}

	webhookHandler := api.NewWebhookHandler(
		eventRepo,
		registries,
		cfg.Providers,
		rateLimiter,
		circuitBreaker,
		processor,
		clk,
		logger,
		opts...,
	)

	router := api.NewRouter(api.RouterConfig{
		Webhooks:      webhookHandler,
		HealthHandler: healthHandler,
		Metrics:       metrics,
		Logger:        logger,
	})

	healthHandler.SetReady(true)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
}

func buildRegistries(pool *pgxpool.Pool, poster *providers.LedgerPoster, clk clock.Clock, logger *slog.Logger) dispatch.Registries {
	cards := postgres.NewCardRepository(pool)
	orders := postgres.NewCryptoOrderRepository(pool)
	transfers := postgres.NewBankTransferRepository(pool)

	return dispatch.Registries{
		domain.ProviderNymCard: nymcard.NewHandlers(cards, poster, clk, logger).Registry(logger),
		domain.ProviderRamp:    ramp.NewHandlers(orders, poster, clk, logger).Registry(logger),
		domain.ProviderWio:     wio.NewHandlers(transfers, poster, clk, logger).Registry(logger),
		domain.ProviderCircle:  circle.NewHandlers(orders, poster, clk, logger).Registry(logger),
	}
}

// runMigrations applies pending migrations using the pgx driver. The pgx5
// migrate driver registers under its own URL scheme.
func runMigrations(sourcePath, databaseURL string) error {
	url := strings.Replace(databaseURL, "postgres://", "pgx5://", 1)
	m, err := migrate.New(sourcePath, url)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func breakerStateValue(s resilience.CircuitBreakerState) float64 {
	switch s {
	case resilience.CircuitBreakerStateHalfOpen:
		return 1
	case resilience.CircuitBreakerStateOpen:
		return 2
	default:
		return 0
	}
}
