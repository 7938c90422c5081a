// Package ramp handles Ramp crypto on-ramp webhooks.
//
// Ramp event types are upper-case bare words (PAYMENT_CONFIRMED, RELEASED,
// EXPIRED, CANCELLED) rather than dotted names.
package ramp

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
	reg := dispatch.NewRegistry(domain.ProviderRamp, logger)
	reg.RegisterFunc("PAYMENT_CONFIRMED", h.PaymentConfirmed)
	reg.RegisterFunc("RELEASED", h.Released)
	reg.RegisterFunc("EXPIRED", h.orderFailed)
	reg.RegisterFunc("CANCELLED", h.orderFailed)
	return reg
}

type orderPayload struct {
	ID string `json:"id" validate:"required"`
}

// PaymentConfirmed moves the order to processing. A confirmed payment for an
// order we never created is an integrity problem, so missing orders error.
func (h *Handlers) PaymentConfirmed(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[orderPayload](event.RawPayload)
	if err != nil {
		return err
	}

	if err := h.orders.UpdateStatus(ctx, payload.ID, domain.OrderStatusProcessing, h.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("crypto order %s not found for PAYMENT_CONFIRMED: %w", payload.ID, err)
		}
		return fmt.Errorf("update order %s: %w", payload.ID, err)
	}
	return nil
}

type releasePayload struct {
	ID                string  `json:"id" validate:"required"`
	Asset             string  `json:"asset" validate:"required"`
	CryptoAmount      float64 `json:"cryptoAmount" validate:"gt=0"`
	AssetExchangeRate float64 `json:"assetExchangeRate" validate:"gt=0"`
}

// Released settles the order: status completed, crypto amount, exchange
// rate, and settled_at all land in one statement. The user's ledger credit
// follows best-effort; a credit failure never rolls back the settlement.
func (h *Handlers) Released(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[releasePayload](event.RawPayload)
	if err != nil {
		return err
	}

	order, err := h.orders.GetByProviderOrderID(ctx, payload.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("crypto order %s not found for RELEASED: %w", payload.ID, err)
		}
		return fmt.Errorf("load order %s: %w", payload.ID, err)
	}

	settledAt := h.clock.Now()
	if err := h.orders.Settle(ctx, payload.ID, payload.CryptoAmount, payload.AssetExchangeRate, settledAt); err != nil {
		return fmt.Errorf("settle order %s: %w", payload.ID, err)
	}

	h.poster.PostBestEffort(ctx, event, &domain.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: order.UserID,
		Direction: domain.LedgerCredit,
		Amount:    payload.CryptoAmount,
		Currency:  payload.Asset,
		Reference: "ramp:" + payload.ID,
		CreatedAt: settledAt,
	})
	return nil
}

// orderFailed marks the order failed. EXPIRED and CANCELLED can arrive for
// orders the user abandoned before our row committed, so a missing order is
// logged and skipped rather than retried.
func (h *Handlers) orderFailed(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[orderPayload](event.RawPayload)
	if err != nil {
		return err
	}

	if err := h.orders.UpdateStatus(ctx, payload.ID, domain.OrderStatusFailed, h.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("crypto order not found for terminal event, skipping",
				"provider_order_id", payload.ID,
				"event_type", event.EventType,
			)
			return nil
		}
		return fmt.Errorf("update order %s: %w", payload.ID, err)
	}
	return nil
}
