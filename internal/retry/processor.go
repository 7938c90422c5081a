// Package retry provides the bounded backoff loop that wraps domain handler
// invocations, and the policy that shapes it.
package retry

import (
	"context"
	"log/slog"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/clock"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/repository"
)

// HandlerFunc is the wrapped unit of work: one domain handler invocation
// against the event's payload.
type HandlerFunc func(ctx context.Context) error

// Result reports the outcome of a Process call.
type Result struct {
	Processed bool
	Attempts  int
	Err       error
}

// Processor runs a handler under the retry policy, persisting event status
// after every attempt. The loop is synchronous within a single invocation:
// it sleeps between attempts and blocks the caller for up to the sum of all
// backoff delays. Context cancellation aborts the loop between attempts,
// which bounds total duration in time-limited execution environments.
type Processor struct {
	events repository.WebhookEventRepository
	policy Policy
	clock  clock.Clock
	logger *slog.Logger
}

func NewProcessor(events repository.WebhookEventRepository, policy Policy, clk clock.Clock, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		events: events,
		policy: policy,
		clock:  clk,
		logger: logger,
	}
}

// MaxRetries exposes the policy ceiling, for callers that report exhaustion.
func (p *Processor) MaxRetries() int {
	return p.policy.MaxRetries
}

// Process invokes fn until it succeeds or the event's retry budget is
// exhausted. The event's retry_count carries across invocations, so an event
// resumed by the sweeper only consumes its remaining attempts. Every attempt
// outcome is persisted before any sleep, so a crash mid-loop loses at most
// the in-flight attempt.
func (p *Processor) Process(ctx context.Context, event *domain.WebhookEvent, fn HandlerFunc) Result {
	attempts := 0

	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			event.MarkProcessed(p.clock.Now())
			if uerr := p.events.UpdateStatus(ctx, event); uerr != nil {
				p.logger.Error("failed to persist processed status",
					"error", uerr,
					"provider", event.Provider,
					"event_id", event.EventID,
				)
			}
			return Result{Processed: true, Attempts: attempts}
		}

		event.MarkFailed(p.clock.Now(), err.Error())
		if uerr := p.events.UpdateStatus(ctx, event); uerr != nil {
			p.logger.Error("failed to persist attempt failure",
				"error", uerr,
				"provider", event.Provider,
				"event_id", event.EventID,
			)
		}

		if !event.CanRetry(p.policy.MaxRetries) {
			p.logger.Warn("event exhausted retries",
				"provider", event.Provider,
				"event_id", event.EventID,
				"retry_count", event.RetryCount,
				"error", err.Error(),
			)
			return Result{Processed: false, Attempts: attempts, Err: err}
		}

		delay := p.policy.Delay(event.RetryCount - 1)
		p.logger.Info("scheduling in-request retry",
			"provider", event.Provider,
			"event_id", event.EventID,
			"retry_count", event.RetryCount,
			"delay", delay,
		)

		if ctx.Err() != nil {
			return Result{Processed: false, Attempts: attempts, Err: ctx.Err()}
		}

		select {
		case <-ctx.Done():
			return Result{Processed: false, Attempts: attempts, Err: ctx.Err()}
		case <-p.clock.After(delay):
		}
	}
}

// ProcessOnce runs a single attempt without sleeping. Used when the caller
// owns retry scheduling, such as the sweeper re-walking failed rows.
func (p *Processor) ProcessOnce(ctx context.Context, event *domain.WebhookEvent, fn HandlerFunc) Result {
	err := fn(ctx)
	if err == nil {
		event.MarkProcessed(p.clock.Now())
		if uerr := p.events.UpdateStatus(ctx, event); uerr != nil {
			p.logger.Error("failed to persist processed status",
				"error", uerr,
				"provider", event.Provider,
				"event_id", event.EventID,
			)
		}
		return Result{Processed: true, Attempts: 1}
	}

	event.MarkFailed(p.clock.Now(), err.Error())
	if uerr := p.events.UpdateStatus(ctx, event); uerr != nil {
		p.logger.Error("failed to persist attempt failure",
			"error", uerr,
			"provider", event.Provider,
			"event_id", event.EventID,
		)
	}
	return Result{Processed: false, Attempts: 1, Err: err}
}
