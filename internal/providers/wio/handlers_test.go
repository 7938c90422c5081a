package wio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/clock"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/providers"
)

var testNow = time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

type fakeTransferRepo struct {
	transfers map[string]*domain.BankTransfer
}

func newFakeTransferRepo() *fakeTransferRepo {
	return &fakeTransferRepo{transfers: make(map[string]*domain.BankTransfer)}
}

func (f *fakeTransferRepo) GetByProviderRef(ctx context.Context, ref string) (*domain.BankTransfer, error) {
	if tr, ok := f.transfers[ref]; ok {
		return tr, nil
	}
	return nil, domain.ErrNotFound
}

func (f *fakeTransferRepo) UpdateStatus(ctx context.Context, ref string, status domain.TransferStatus, now time.Time) error {
	tr, ok := f.transfers[ref]
	if !ok {
		return domain.ErrNotFound
	}
	tr.Status = status
	tr.UpdatedAt = now
	return nil
}

func (f *fakeTransferRepo) Complete(ctx context.Context, ref string, completedAt time.Time) error {
	tr, ok := f.transfers[ref]
	if !ok {
		return domain.ErrNotFound
	}
	tr.Status = domain.TransferStatusCompleted
	tr.CompletedAt = &completedAt
	tr.UpdatedAt = completedAt
	return nil
}

func (f *fakeTransferRepo) Fail(ctx context.Context, ref string, reason string, now time.Time) error {
	tr, ok := f.transfers[ref]
	if !ok {
		return domain.ErrNotFound
	}
	tr.Status = domain.TransferStatusFailed
	tr.FailureReason = &reason
	tr.UpdatedAt = now
	return nil
}

type fakeLedgerRepo struct {
	entries []*domain.LedgerEntry
	failErr error
}

func (f *fakeLedgerRepo) CreateEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.entries = append(f.entries, entry)
	return nil
}

type fakeReconRepo struct {
	tasks []*domain.ReconciliationTask
}

func (f *fakeReconRepo) CreateTask(ctx context.Context, task *domain.ReconciliationTask) error {
	f.tasks = append(f.tasks, task)
	return nil
}

func newTestHandlers(transfers *fakeTransferRepo, ledger *fakeLedgerRepo, recon *fakeReconRepo) *Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	poster := providers.NewLedgerPoster(ledger, recon, logger)
	clk := &clock.MockClock{NowTime: testNow}
	return NewHandlers(transfers, poster, clk, logger)
}

func TestHandlers_TransferCompleted(t *testing.T) {
	transfers := newFakeTransferRepo()
	transfers.transfers["wio_1"] = &domain.BankTransfer{
		ProviderRef: "wio_1",
		UserID:      "user-1",
		Status:      domain.TransferStatusProcessing,
		Amount:      250,
		Currency:    "AED",
	}
	ledger := &fakeLedgerRepo{}
	h := newTestHandlers(transfers, ledger, &fakeReconRepo{})

	event := &domain.WebhookEvent{
		EventType:  "transfer.completed",
		RawPayload: json.RawMessage(`{"reference":"wio_1"}`),
	}
	if err := h.TransferCompleted(context.Background(), event); err != nil {
		t.Fatalf("TransferCompleted() error = %v", err)
	}

	tr := transfers.transfers["wio_1"]
	if tr.Status != domain.TransferStatusCompleted {
		t.Errorf("status = %s, want completed", tr.Status)
	}
	if tr.CompletedAt == nil || !tr.CompletedAt.Equal(testNow) {
		t.Errorf("completed_at = %v, want %v", tr.CompletedAt, testNow)
	}
	if len(ledger.entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(ledger.entries))
	}
	if ledger.entries[0].Direction != domain.LedgerDebit || ledger.entries[0].Amount != 250 || ledger.entries[0].Currency != "AED" {
		t.Errorf("unexpected ledger entry %+v", ledger.entries[0])
	}
}

func TestHandlers_TransferCompleted_LedgerFailureIsolated(t *testing.T) {
	transfers := newFakeTransferRepo()
	transfers.transfers["wio_2"] = &domain.BankTransfer{
		ProviderRef: "wio_2",
		UserID:      "user-2",
		Amount:      100,
		Currency:    "USD",
	}
	ledger := &fakeLedgerRepo{failErr: errors.New("ledger insert failed")}
	recon := &fakeReconRepo{}
	h := newTestHandlers(transfers, ledger, recon)

	event := &domain.WebhookEvent{
		ID:         "row-2",
		Provider:   domain.ProviderWio,
		EventID:    "evt_2",
		EventType:  "transfer.completed",
		RawPayload: json.RawMessage(`{"reference":"wio_2"}`),
	}

	// The failing ledger insert must not fail the event: the transfer row
	// shows completed and the event will be marked processed by the caller.
	if err := h.TransferCompleted(context.Background(), event); err != nil {
		t.Fatalf("TransferCompleted() error = %v, want nil", err)
	}
	if transfers.transfers["wio_2"].Status != domain.TransferStatusCompleted {
		t.Error("transfer status rolled back by ledger failure")
	}
	if len(recon.tasks) != 1 {
		t.Errorf("reconciliation tasks = %d, want 1", len(recon.tasks))
	}
}

func TestHandlers_TransferInitiated_MissingRowSkipped(t *testing.T) {
	h := newTestHandlers(newFakeTransferRepo(), &fakeLedgerRepo{}, &fakeReconRepo{})

	event := &domain.WebhookEvent{
		EventType:  "transfer.initiated",
		RawPayload: json.RawMessage(`{"reference":"wio_early"}`),
	}
	if err := h.TransferInitiated(context.Background(), event); err != nil {
		t.Errorf("TransferInitiated() error = %v, want nil for racing event", err)
	}
}

func TestHandlers_TransferFailed(t *testing.T) {
	transfers := newFakeTransferRepo()
	transfers.transfers["wio_3"] = &domain.BankTransfer{ProviderRef: "wio_3"}
	h := newTestHandlers(transfers, &fakeLedgerRepo{}, &fakeReconRepo{})

	event := &domain.WebhookEvent{
		EventType:  "transfer.failed",
		RawPayload: json.RawMessage(`{"reference":"wio_3","reason":"insufficient funds"}`),
	}
	if err := h.TransferFailed(context.Background(), event); err != nil {
		t.Fatalf("TransferFailed() error = %v", err)
	}

	tr := transfers.transfers["wio_3"]
	if tr.Status != domain.TransferStatusFailed {
		t.Errorf("status = %s, want failed", tr.Status)
	}
	if tr.FailureReason == nil || *tr.FailureReason != "insufficient funds" {
		t.Errorf("failure_reason = %v", tr.FailureReason)
	}
}

func TestHandlers_TransferFailed_MissingRow(t *testing.T) {
	h := newTestHandlers(newFakeTransferRepo(), &fakeLedgerRepo{}, &fakeReconRepo{})

	event := &domain.WebhookEvent{
		EventType:  "transfer.failed",
		RawPayload: json.RawMessage(`{"reference":"wio_gone"}`),
	}
	if err := h.TransferFailed(context.Background(), event); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("TransferFailed() error = %v, want ErrNotFound", err)
	}
}
