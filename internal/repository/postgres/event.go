package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

type WebhookEventRepository struct {
	pool *pgxpool.Pool
}

func NewWebhookEventRepository(pool *pgxpool.Pool) *WebhookEventRepository {
	return &WebhookEventRepository{pool: pool}
}

// Create inserts the event row. A concurrent delivery can win the insert
// between the caller's lookup and this statement; ON CONFLICT DO NOTHING
// absorbs that, and the zero-row result surfaces as ErrAlreadyExists so the
// caller treats the delivery as a duplicate instead of dispatching twice.
func (r *WebhookEventRepository) Create(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `
		INSERT INTO webhook_events (id, provider, event_id, event_type, signature, raw_payload,
		                            processed, processed_at, error_message, retry_count, last_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (provider, event_id) DO NOTHING
	`

	result, err := r.pool.Exec(ctx, query,
		event.ID,
		event.Provider,
		event.EventID,
		event.EventType,
		event.Signature,
		event.RawPayload,
		event.Processed,
		event.ProcessedAt,
		event.ErrorMessage,
		event.RetryCount,
		event.LastRetryAt,
		event.CreatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *WebhookEventRepository) GetByProviderEventID(ctx context.Context, provider domain.Provider, eventID string) (*domain.WebhookEvent, error) {
	const query = `
		SELECT id, provider, event_id, event_type, signature, raw_payload,
		       processed, processed_at, error_message, retry_count, last_retry_at, created_at
		FROM webhook_events
		WHERE provider = $1 AND event_id = $2
	`

	var event domain.WebhookEvent
	err := r.pool.QueryRow(ctx, query, provider, eventID).Scan(
		&event.ID,
		&event.Provider,
		&event.EventID,
		&event.EventType,
		&event.Signature,
		&event.RawPayload,
		&event.Processed,
		&event.ProcessedAt,
		&event.ErrorMessage,
		&event.RetryCount,
		&event.LastRetryAt,
		&event.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *WebhookEventRepository) UpdateStatus(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `
		UPDATE webhook_events
		SET processed = $3, processed_at = $4, error_message = $5,
		    retry_count = $6, last_retry_at = $7
		WHERE provider = $1 AND event_id = $2
	`

	_, err := r.pool.Exec(ctx, query,
		event.Provider,
		event.EventID,
		event.Processed,
		event.ProcessedAt,
		event.ErrorMessage,
		event.RetryCount,
		event.LastRetryAt,
	)
	return err
}

// GetRetryable claims failed events for the sweeper. FOR UPDATE SKIP LOCKED
// lets multiple sweeper instances run without double-claiming rows; the
// claim bumps last_retry_at so a crashed sweep does not re-claim the same
// rows until the cooldown passes again.
func (r *WebhookEventRepository) GetRetryable(ctx context.Context, maxRetries int, cooldown time.Duration, limit int) ([]*domain.WebhookEvent, error) {
	const query = `
		UPDATE webhook_events
		SET last_retry_at = NOW()
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE processed = FALSE
			AND retry_count < $1
			AND (last_retry_at IS NULL OR last_retry_at < NOW() - $2::interval)
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING id, provider, event_id, event_type, signature, raw_payload,
		          processed, processed_at, error_message, retry_count, last_retry_at, created_at
	`

	rows, err := r.pool.Query(ctx, query, maxRetries, cooldown, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		var event domain.WebhookEvent
		err := rows.Scan(
			&event.ID,
			&event.Provider,
			&event.EventID,
			&event.EventType,
			&event.Signature,
			&event.RawPayload,
			&event.Processed,
			&event.ProcessedAt,
			&event.ErrorMessage,
			&event.RetryCount,
			&event.LastRetryAt,
			&event.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, &event)
	}

	return events, rows.Err()
}
