package repository

import (
	"context"
	"time"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

// WebhookEventRepository is the append-only event store behind the
// idempotency gate.
type WebhookEventRepository interface {
	// Create inserts the row, or returns domain.ErrAlreadyExists when a
	// concurrent delivery already inserted the same (provider, event_id).
	Create(ctx context.Context, event *domain.WebhookEvent) error
	GetByProviderEventID(ctx context.Context, provider domain.Provider, eventID string) (*domain.WebhookEvent, error)
	UpdateStatus(ctx context.Context, event *domain.WebhookEvent) error
	// GetRetryable returns unprocessed events below the retry ceiling whose
	// last attempt is older than cooldown (or never attempted), up to limit.
	GetRetryable(ctx context.Context, maxRetries int, cooldown time.Duration, limit int) ([]*domain.WebhookEvent, error)
}

type CardRepository interface {
	UpsertByProviderCardID(ctx context.Context, card *domain.Card) error
	UpdateStatus(ctx context.Context, providerCardID string, status domain.CardStatus, now time.Time) error
}

type CryptoOrderRepository interface {
	GetByProviderOrderID(ctx context.Context, providerOrderID string) (*domain.CryptoOrder, error)
	UpdateStatus(ctx context.Context, providerOrderID string, status domain.OrderStatus, now time.Time) error
	Settle(ctx context.Context, providerOrderID string, cryptoAmount, exchangeRate float64, settledAt time.Time) error
}

type BankTransferRepository interface {
	GetByProviderRef(ctx context.Context, providerRef string) (*domain.BankTransfer, error)
	UpdateStatus(ctx context.Context, providerRef string, status domain.TransferStatus, now time.Time) error
	Complete(ctx context.Context, providerRef string, completedAt time.Time) error
	Fail(ctx context.Context, providerRef string, reason string, now time.Time) error
}

type LedgerRepository interface {
	CreateEntry(ctx context.Context, entry *domain.LedgerEntry) error
}

type ReconciliationRepository interface {
	CreateTask(ctx context.Context, task *domain.ReconciliationTask) error
}

// DedupCache is an optional fast-path seen-marker in front of the database
// idempotency gate. A cache miss is never authoritative; the store lookup
// still runs.
type DedupCache interface {
	Seen(ctx context.Context, provider domain.Provider, eventID string) (bool, error)
	Mark(ctx context.Context, provider domain.Provider, eventID string) error
}
