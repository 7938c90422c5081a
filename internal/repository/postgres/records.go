package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

type CardRepository struct {
	pool *pgxpool.Pool
}

func NewCardRepository(pool *pgxpool.Pool) *CardRepository {
	return &CardRepository{pool: pool}
}

func (r *CardRepository) UpsertByProviderCardID(ctx context.Context, card *domain.Card) error {
	const query = `
		INSERT INTO cards (id, provider_card_id, user_id, status, masked_pan, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_card_id) DO UPDATE
		SET status = EXCLUDED.status, masked_pan = EXCLUDED.masked_pan, updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		card.ID,
		card.ProviderCardID,
		card.UserID,
		card.Status,
		card.MaskedPAN,
		card.CreatedAt,
		card.UpdatedAt,
	)
	return err
}

func (r *CardRepository) UpdateStatus(ctx context.Context, providerCardID string, status domain.CardStatus, now time.Time) error {
	const query = `
		UPDATE cards SET status = $2, updated_at = $3 WHERE provider_card_id = $1
	`

	result, err := r.pool.Exec(ctx, query, providerCardID, status, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type CryptoOrderRepository struct {
	pool *pgxpool.Pool
}

func NewCryptoOrderRepository(pool *pgxpool.Pool) *CryptoOrderRepository {
	return &CryptoOrderRepository{pool: pool}
}

func (r *CryptoOrderRepository) GetByProviderOrderID(ctx context.Context, providerOrderID string) (*domain.CryptoOrder, error) {
	const query = `
		SELECT id, provider_order_id, user_id, status, asset, crypto_amount, exchange_rate,
		       settled_at, created_at, updated_at
		FROM crypto_orders
		WHERE provider_order_id = $1
	`

	var order domain.CryptoOrder
	err := r.pool.QueryRow(ctx, query, providerOrderID).Scan(
		&order.ID,
		&order.ProviderOrderID,
		&order.UserID,
		&order.Status,
		&order.Asset,
		&order.CryptoAmount,
		&order.ExchangeRate,
		&order.SettledAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *CryptoOrderRepository) UpdateStatus(ctx context.Context, providerOrderID string, status domain.OrderStatus, now time.Time) error {
	const query = `
		UPDATE crypto_orders SET status = $2, updated_at = $3 WHERE provider_order_id = $1
	`

	result, err := r.pool.Exec(ctx, query, providerOrderID, status, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *CryptoOrderRepository) Settle(ctx context.Context, providerOrderID string, cryptoAmount, exchangeRate float64, settledAt time.Time) error {
	const query = `
		UPDATE crypto_orders
		SET status = 'completed', crypto_amount = $2, exchange_rate = $3,
		    settled_at = $4, updated_at = $4
		WHERE provider_order_id = $1
	`

	result, err := r.pool.Exec(ctx, query, providerOrderID, cryptoAmount, exchangeRate, settledAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type BankTransferRepository struct {
	pool *pgxpool.Pool
}

func NewBankTransferRepository(pool *pgxpool.Pool) *BankTransferRepository {
	return &BankTransferRepository{pool: pool}
}

func (r *BankTransferRepository) GetByProviderRef(ctx context.Context, providerRef string) (*domain.BankTransfer, error) {
	const query = `
		SELECT id, provider_ref, user_id, status, amount, currency, failure_reason,
		       completed_at, created_at, updated_at
		FROM bank_transfers
		WHERE provider_ref = $1
	`

	var transfer domain.BankTransfer
	err := r.pool.QueryRow(ctx, query, providerRef).Scan(
		&transfer.ID,
		&transfer.ProviderRef,
		&transfer.UserID,
		&transfer.Status,
		&transfer.Amount,
		&transfer.Currency,
		&transfer.FailureReason,
		&transfer.CompletedAt,
		&transfer.CreatedAt,
		&transfer.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (r *BankTransferRepository) UpdateStatus(ctx context.Context, providerRef string, status domain.TransferStatus, now time.Time) error {
	const query = `
		UPDATE bank_transfers SET status = $2, updated_at = $3 WHERE provider_ref = $1
	`

	result, err := r.pool.Exec(ctx, query, providerRef, status, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *BankTransferRepository) Complete(ctx context.Context, providerRef string, completedAt time.Time) error {
	const query = `
		UPDATE bank_transfers
		SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE provider_ref = $1
	`

	result, err := r.pool.Exec(ctx, query, providerRef, completedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *BankTransferRepository) Fail(ctx context.Context, providerRef string, reason string, now time.Time) error {
	const query = `
		UPDATE bank_transfers
		SET status = 'failed', failure_reason = $2, updated_at = $3
		WHERE provider_ref = $1
	`

	result, err := r.pool.Exec(ctx, query, providerRef, reason, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

func (r *LedgerRepository) CreateEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	const query = `
		INSERT INTO ledger_entries (id, account_id, direction, amount, currency, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		entry.ID,
		entry.AccountID,
		entry.Direction,
		entry.Amount,
		entry.Currency,
		entry.Reference,
		entry.CreatedAt,
	)
	return err
}

type ReconciliationRepository struct {
	pool *pgxpool.Pool
}

func NewReconciliationRepository(pool *pgxpool.Pool) *ReconciliationRepository {
	return &ReconciliationRepository{pool: pool}
}

func (r *ReconciliationRepository) CreateTask(ctx context.Context, task *domain.ReconciliationTask) error {
	const query = `
		INSERT INTO reconciliation_tasks (id, source_event_id, detail, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query,
		task.ID,
		task.SourceEventID,
		task.Detail,
		task.Resolved,
		task.CreatedAt,
	)
	return err
}
