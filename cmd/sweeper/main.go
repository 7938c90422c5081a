package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/clock"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/config"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/dispatch"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/observability"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers/circle"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers/nymcard"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers/ramp"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers/wio"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/repository/postgres"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/retry"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/sweeper"
)

// The sweeper runs as its own process so deploys of the intake never
// interrupt a sweep cycle, and so it can be scaled to zero in environments
// where a cron-style trigger calls the intake directly.
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

	metrics := observability.NewMetrics("keyspay_sweeper")
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
	processor := retry.NewProcessor(eventRepo, retry.DefaultPolicy(), clk, logger)

	s := sweeper.New(
		sweeper.Config{
			Interval:  cfg.SweepInterval,
			Cooldown:  cfg.SweepCooldown,
			BatchSize: cfg.SweepBatchSize,
		},
		eventRepo,
		registries,
		processor,
		logger,
		sweeper.WithMetrics(metrics),
	)
	s.Start(ctx)
	healthHandler.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler.Health)
	mux.HandleFunc("/ready", healthHandler.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	addr := os.Getenv("SWEEPER_ADDR")
	if addr == "" {
		addr = ":8081"
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting metrics server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	s.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown metrics server", "error", err)
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
