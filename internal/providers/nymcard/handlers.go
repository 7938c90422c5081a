// Package nymcard handles NymCard card-issuing webhooks.
package nymcard

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
	cards  repository.CardRepository
	poster *providers.LedgerPoster
	clock  clock.Clock
	logger *slog.Logger
}

func NewHandlers(cards repository.CardRepository, poster *providers.LedgerPoster, clk clock.Clock, logger *slog.Logger) *Handlers {
	return &Handlers{
		cards:  cards,
		poster: poster,
		clock:  clk,
		logger: logger,
	}
}

// Registry builds the NymCard dispatch registry. Status events overwrite the
// card state rather than applying deltas, so out-of-order delivery converges
// on the latest event applied.
func (h *Handlers) Registry(logger *slog.Logger) *dispatch.Registry {
	reg := dispatch.NewRegistry(domain.ProviderNymCard, logger)
	reg.RegisterFunc("card.created", h.CardCreated)
	reg.RegisterFunc("card.activated", h.cardStatus(domain.CardStatusActive))
	reg.RegisterFunc("card.suspended", h.cardStatus(domain.CardStatusSuspended))
	reg.RegisterFunc("card.terminated", h.cardStatus(domain.CardStatusTerminated))
	reg.RegisterFunc("transaction.settled", h.TransactionSettled)
	return reg
}

type cardPayload struct {
	CardID    string  `json:"card_id" validate:"required"`
	UserID    string  `json:"user_id"`
	MaskedPAN *string `json:"masked_pan"`
}

func (h *Handlers) CardCreated(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[cardPayload](event.RawPayload)
	if err != nil {
		return err
	}

	now := h.clock.Now()
	card := &domain.Card{
		ID:             uuid.NewString(),
		ProviderCardID: payload.CardID,
		UserID:         payload.UserID,
		Status:         domain.CardStatusPending,
		MaskedPAN:      payload.MaskedPAN,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.cards.UpsertByProviderCardID(ctx, card); err != nil {
		return fmt.Errorf("upsert card %s: %w", payload.CardID, err)
	}
	return nil
}

// cardStatus builds a status-overwrite handler. A missing card here is a
// data-integrity problem: status events only fire for cards NymCard already
// told us about, so the error surfaces for retry.
func (h *Handlers) cardStatus(status domain.CardStatus) dispatch.HandlerFunc {
	return func(ctx context.Context, event *domain.WebhookEvent) error {
		payload, err := dispatch.DecodePayload[cardPayload](event.RawPayload)
		if err != nil {
			return err
		}

		if err := h.cards.UpdateStatus(ctx, payload.CardID, status, h.clock.Now()); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("card %s not found for %s: %w", payload.CardID, event.EventType, err)
			}
			return fmt.Errorf("update card %s: %w", payload.CardID, err)
		}
		return nil
	}
}

type settlementPayload struct {
	TransactionID string  `json:"transaction_id" validate:"required"`
	CardID        string  `json:"card_id" validate:"required"`
	UserID        string  `json:"user_id" validate:"required"`
	Amount        float64 `json:"amount" validate:"gt=0"`
	Currency      string  `json:"currency" validate:"required,len=3"`
}

// TransactionSettled posts the settlement debit. The ledger entry is the
// whole point of this event, so a posting failure is a handler error and
// goes through retry, not reconciliation.
func (h *Handlers) TransactionSettled(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[settlementPayload](event.RawPayload)
	if err != nil {
		return err
	}

	entry := &domain.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: payload.UserID,
		Direction: domain.LedgerDebit,
		Amount:    payload.Amount,
		Currency:  payload.Currency,
		Reference: "nymcard:" + payload.TransactionID,
		CreatedAt: h.clock.Now(),
	}
	if err := h.poster.Post(ctx, entry); err != nil {
		return fmt.Errorf("post settlement %s: %w", payload.TransactionID, err)
	}
	return nil
}
