// Package sweeper re-walks failed webhook events on an interval.
//
// The intake's in-request retry loop gives up when the request context ends
// or the budget is spent; the sweeper is the second chance. It claims small
// batches of unprocessed rows below the retry ceiling, re-dispatches each
// from its persisted raw payload, and lets row-level locking keep concurrent
// sweeper instances from double-claiming.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/dispatch"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/observability"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/repository"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/retry"
)

// Config shapes the sweep cycle.
//
// Cooldown is the minimum age of an event's last attempt before the sweeper
// touches it again, so the sweeper never races the intake's own retry loop.
type Config struct {
	Interval  time.Duration
	Cooldown  time.Duration
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  60 * time.Second,
		Cooldown:  60 * time.Second,
		BatchSize: 10,
	}
}

// Sweeper periodically retries failed events. All collaborators are injected;
// the sweeper owns only its schedule.
type Sweeper struct {
	config     Config
	events     repository.WebhookEventRepository
	registries dispatch.Registries
	processor  *retry.Processor
	metrics    *observability.Metrics
	logger     *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Sweeper)

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func New(
	config Config,
	events repository.WebhookEventRepository,
	registries dispatch.Registries,
	processor *retry.Processor,
	logger *slog.Logger,
	opts ...Option,
) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		config:     config,
		events:     events,
		registries: registries,
		processor:  processor,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop in a goroutine. An immediate first sweep runs
// before the ticker takes over.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.logger.Info("sweeper started",
			"interval", s.config.Interval,
			"cooldown", s.config.Cooldown,
			"batch_size", s.config.BatchSize,
		)

		s.Sweep(ctx)

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop signals the loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

// Sweep claims one batch of retryable events and re-dispatches each once.
// Events that fail again keep their incremented retry_count and wait for a
// later cycle; events at the ceiling are left for operators.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.SweeperRuns.Inc()
	}

	events, err := s.events.GetRetryable(ctx, s.processor.MaxRetries(), s.config.Cooldown, s.config.BatchSize)
	if err != nil {
		s.logger.Error("failed to fetch retryable events", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.SweeperBatchSize.Set(float64(len(events)))
	}
	if len(events) == 0 {
		return
	}

	s.logger.Info("sweeping failed events", "count", len(events))

	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		s.retryOne(ctx, event)
	}
}

func (s *Sweeper) retryOne(ctx context.Context, event *domain.WebhookEvent) {
	logger := s.logger.With(
		"provider", event.Provider,
		"event_id", event.EventID,
		"event_type", event.EventType,
		"retry_count", event.RetryCount,
	)

	registry, ok := s.registries.For(event.Provider)
	if !ok {
		logger.Error("no handler registry for stored event's provider")
		return
	}

	result := s.processor.ProcessOnce(ctx, event, func(ctx context.Context) error {
		_, err := registry.Dispatch(ctx, event)
		return err
	})

	if result.Processed {
		logger.Info("event recovered by sweeper")
		if s.metrics != nil {
			s.metrics.EventsProcessed.WithLabelValues(string(event.Provider)).Inc()
		}
		return
	}

	logger.Warn("sweep attempt failed", "error", result.Err)
	if !event.CanRetry(s.processor.MaxRetries()) {
		logger.Error("event exhausted retries, manual intervention required")
		if s.metrics != nil {
			s.metrics.EventsFailed.WithLabelValues(string(event.Provider)).Inc()
		}
	}
}
