// Package wio handles Wio bank-transfer webhooks.
package wio

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
	transfers repository.BankTransferRepository
	poster    *providers.LedgerPoster
	clock     clock.Clock
	logger    *slog.Logger
}

func NewHandlers(transfers repository.BankTransferRepository, poster *providers.LedgerPoster, clk clock.Clock, logger *slog.Logger) *Handlers {
	return &Handlers{
		transfers: transfers,
		poster:    poster,
		clock:     clk,
		logger:    logger,
	}
}

func (h *Handlers) Registry(logger *slog.Logger) *dispatch.Registry {
	reg := dispatch.NewRegistry(domain.ProviderWio, logger)
	reg.RegisterFunc("transfer.initiated", h.TransferInitiated)
	reg.RegisterFunc("transfer.completed", h.TransferCompleted)
	reg.RegisterFunc("transfer.failed", h.TransferFailed)
	return reg
}

type transferPayload struct {
	Reference string `json:"reference" validate:"required"`
	Reason    string `json:"reason"`
}

// TransferInitiated may legitimately race ahead of the local transfer row:
// Wio fires it as soon as the instruction is accepted, sometimes before our
// own insert commits. A missing row is logged and skipped; the later
// transfer.completed or transfer.failed event carries the state we need.
func (h *Handlers) TransferInitiated(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[transferPayload](event.RawPayload)
	if err != nil {
		return err
	}

	if err := h.transfers.UpdateStatus(ctx, payload.Reference, domain.TransferStatusProcessing, h.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.logger.Warn("transfer not found for transfer.initiated, skipping",
				"provider_ref", payload.Reference,
			)
			return nil
		}
		return fmt.Errorf("update transfer %s: %w", payload.Reference, err)
	}
	return nil
}

// TransferCompleted marks the transfer completed, then posts the ledger
// debit best-effort. The status update is the primary outcome; a ledger
// failure is deferred to reconciliation, never rolled back.
func (h *Handlers) TransferCompleted(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[transferPayload](event.RawPayload)
	if err != nil {
		return err
	}

	transfer, err := h.transfers.GetByProviderRef(ctx, payload.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("transfer %s not found for transfer.completed: %w", payload.Reference, err)
		}
		return fmt.Errorf("load transfer %s: %w", payload.Reference, err)
	}

	completedAt := h.clock.Now()
	if err := h.transfers.Complete(ctx, payload.Reference, completedAt); err != nil {
		return fmt.Errorf("complete transfer %s: %w", payload.Reference, err)
	}

	h.poster.PostBestEffort(ctx, event, &domain.LedgerEntry{
		ID:        uuid.NewString(),
		AccountID: transfer.UserID,
		Direction: domain.LedgerDebit,
		Amount:    transfer.Amount,
		Currency:  transfer.Currency,
		Reference: "wio:" + payload.Reference,
		CreatedAt: completedAt,
	})
	return nil
}

// TransferFailed records the terminal failure with the provider's reason. A
// missing transfer for a failure event is an integrity problem.
func (h *Handlers) TransferFailed(ctx context.Context, event *domain.WebhookEvent) error {
	payload, err := dispatch.DecodePayload[transferPayload](event.RawPayload)
	if err != nil {
		return err
	}

	reason := payload.Reason
	if reason == "" {
		reason = "transfer failed"
	}

	if err := h.transfers.Fail(ctx, payload.Reference, reason, h.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("transfer %s not found for transfer.failed: %w", payload.Reference, err)
		}
		return fmt.Errorf("fail transfer %s: %w", payload.Reference, err)
	}
	return nil
}
