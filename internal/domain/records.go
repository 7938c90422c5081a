package domain

import "time"

// Downstream business records mutated by webhook handlers. Their lifecycles
// are owned by the broader Keys Pay application; this service only reaches
// them via the provider-supplied reference key on each row.

type CardStatus string

const (
	CardStatusPending    CardStatus = "pending"
	CardStatusActive     CardStatus = "active"
	CardStatusSuspended  CardStatus = "suspended"
	CardStatusTerminated CardStatus = "terminated"
)

type Card struct {
	ID             string     `json:"id"`
	ProviderCardID string     `json:"provider_card_id"`
	UserID         string     `json:"user_id"`
	Status         CardStatus `json:"status"`
	MaskedPAN      *string    `json:"masked_pan,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusFailed     OrderStatus = "failed"
)

type CryptoOrder struct {
	ID              string      `json:"id"`
	ProviderOrderID string      `json:"provider_order_id"`
	UserID          string      `json:"user_id"`
	Status          OrderStatus `json:"status"`
	Asset           string      `json:"asset"`
	CryptoAmount    *float64    `json:"crypto_amount,omitempty"`
	ExchangeRate    *float64    `json:"exchange_rate,omitempty"`
	SettledAt       *time.Time  `json:"settled_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type TransferStatus string

const (
	TransferStatusPending    TransferStatus = "pending"
	TransferStatusProcessing TransferStatus = "processing"
	TransferStatusCompleted  TransferStatus = "completed"
	TransferStatusFailed     TransferStatus = "failed"
)

type BankTransfer struct {
	ID            string         `json:"id"`
	ProviderRef   string         `json:"provider_ref"`
	UserID        string         `json:"user_id"`
	Status        TransferStatus `json:"status"`
	Amount        float64        `json:"amount"`
	Currency      string         `json:"currency"`
	FailureReason *string        `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type LedgerDirection string

const (
	LedgerDebit  LedgerDirection = "debit"
	LedgerCredit LedgerDirection = "credit"
)

type LedgerEntry struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Direction LedgerDirection `json:"direction"`
	Amount    float64         `json:"amount"`
	Currency  string          `json:"currency"`
	Reference string          `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}

// ReconciliationTask records a ledger posting that failed after its primary
// status update already landed. Operators resolve these out of band instead
// of the failure being silently dropped.
type ReconciliationTask struct {
	ID            string    `json:"id"`
	SourceEventID string    `json:"source_event_id"`
	Detail        string    `json:"detail"`
	Resolved      bool      `json:"resolved"`
	CreatedAt     time.Time `json:"created_at"`
}
