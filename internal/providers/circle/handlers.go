// Package circle handles Circle stablecoin payment webhooks.
package circle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/clock"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/dispatch"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/repository"
)

type Handlers struct {
	orders repository.CryptoOrderRepository
	poster *providers.LedgerPoster
	clock  clock.Clock
	logger *slog.Logger
}

func NewHandlers(orders repository.CryptoOrderRepository, poster *providers.LedgerPoster, clk clock.Clock, logger *slog.Logger) *Handlers {
	return &Handlers{
		orders: orders,
		poster: poster,
		clock:  clk,
		logger: logger,
	}
}

func (h *Handlers) Registry(logger *slog.Logger) *dispatch.Registry {
	reg := dispatch.NewRegistry(domain.ProviderCircle, logger)
	reg.RegisterFunc("payments.confirmed", h.PaymentConfirmed)
	reg.RegisterFunc("payments.failed", h.PaymentFailed)
	reg.RegisterFunc("transfers.completed", h.TransferCompleted)
	return reg
}

type paymentPayload struct {
	OrderID string `json:"provider_order_id" validate:"required"`
}

func (h *Handlers) PaymentConfirmed(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[paymentPayload](event.RawPayload)
	if err != nil {
		return err
	}

	if err := h.orders.UpdateStatus(ctx, payload.OrderID, domain.OrderStatusCompleted, h.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("crypto order %s not found for payments.confirmed: %w", payload.OrderID, err)
		}
		return fmt.Errorf("update order %s: %w", payload.OrderID, err)
	}
	return nil
}

// PaymentFailed tolerates a missing order: Circle also notifies failures for
// payment attempts that never produced a local order row.
func (h *Handlers) PaymentFailed(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[paymentPayload](event.RawPayload)
	if err != nil {
		return err
	}

	if err := h.orders.UpdateStatus(ctx, payload.OrderID, domain.OrderStatusFailed, h.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("crypto order not found for payments.failed, skipping",
				"provider_order_id", payload.OrderID,
			)
			return nil
		}
		return fmt.Errorf("update order %s: %w", payload.OrderID, err)
	}
	return nil
}

type transferNotification struct {
	TransferID string  `json:"transfer_id" validate:"required"`
	AccountID  string  `json:"account_id" validate:"required"`
	Amount     float64 `json:"amount" validate:"gt=0"`
	Currency   string  `json:"currency" validate:"required"`
}

// TransferCompleted posts the incoming stablecoin credit. The ledger entry
// is the only effect of this event, so a posting failure is a handler error.
func (h *Handlers) TransferCompleted(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[transferNotification](event.RawPayload)
	if err != nil {
		return err
	}

	entry := &domain.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: payload.AccountID,
		Direction: domain.LedgerCredit,
		Amount:    payload.Amount,
		Currency:  payload.Currency,
		Reference: "circle:" + payload.TransferID,
		CreatedAt: h.clock.Now(),
	}
	if err := h.poster.Post(ctx, entry); err != nil {
		return fmt.Errorf("post transfer %s: %w", payload.TransferID, err)
	}
	return nil
}
