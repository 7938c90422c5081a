// Package providers wires per-vendor webhook handlers into dispatch
// registries. Shared pieces that every vendor package needs live here.
package providers

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/repository"
)

// LedgerPoster posts ledger entries on behalf of webhook handlers.
//
// Post is the primary path: the caller treats a failure as a handler error.
// PostBestEffort is for entries that follow an already-committed status
// update; a failure there must not fail the event, so it is recorded as an
// explicit reconciliation task for operators instead of being swallowed.
type LedgerPoster struct {
	ledger repository.LedgerRepository
	recon  repository.ReconciliationRepository
	logger *slog.Logger

	// OnReconciliation is invoked whenever a best-effort posting is deferred
	// to reconciliation. Used to feed the pending-reconciliation metric.
	OnReconciliation func()
}

func NewLedgerPoster(ledger repository.LedgerRepository, recon repository.ReconciliationRepository, logger *slog.Logger) *LedgerPoster {
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerPoster{
		ledger: ledger,
		recon:  recon,
		logger: logger,
	}
}

func (p *LedgerPoster) Post(ctx context.Context, entry *domain.LedgerEntry) error {
	return p.ledger.CreateEntry(ctx, entry)
}

func (p *LedgerPoster) PostBestEffort(ctx context.Context, event *domain.WebhookEvent, entry *domain.LedgerEntry) {
	err := p.ledger.CreateEntry(ctx, entry)
	if err == nil {
		return
	}

	p.logger.Error("ledger posting failed after primary update, deferring to reconciliation",
		"error", err,
		"provider", event.Provider,
		"event_id", event.EventID,
		"reference", entry.Reference,
	)
	if p.OnReconciliation != nil {
		p.OnReconciliation()
	}

	task := &domain.ReconciliationTask{
		ID:            uuid.NewString(),
		SourceEventID: event.ID,
		Detail:        "ledger entry " + entry.Reference + ": " + err.Error(),
		CreatedAt:     time.Now(),
	}
	if rerr := p.recon.CreateTask(ctx, task); rerr != nil {
		p.logger.Error("failed to record reconciliation task",
			"error", rerr,
			"provider", event.Provider,
			"event_id", event.EventID,
		)
	}
}
