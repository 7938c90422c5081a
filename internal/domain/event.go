package domain

import (
	"encoding/json"
	"time"
)

// Provider identifies the payment/card/banking vendor that sent a webhook.
type Provider string

const (
	ProviderNymCard Provider = "nymcard"
	ProviderRamp    Provider = "ramp"
	ProviderWio     Provider = "wio"
	ProviderCircle  Provider = "circle"
)

// WebhookEvent is one row per inbound provider event. A row is created
// exactly once per (provider, event_id) and mutated in place by every
// processing attempt. Rows are never deleted by this service.
type WebhookEvent struct {
	ID           string          `json:"id"`
	Provider     Provider        `json:"provider"`
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	Signature    string          `json:"signature"`
	RawPayload   json.RawMessage `json:"raw_payload"`
	Processed    bool            `json:"processed"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	LastRetryAt  *time.Time      `json:"last_retry_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (e *WebhookEvent) CanRetry(maxRetries int) bool {
	return e.RetryCount < maxRetries
}

// MarkProcessed records a successful handler run. ProcessedAt is set if and
// only if Processed is true.
func (e *WebhookEvent) MarkProcessed(now time.Time) {
	e.Processed = true
	e.ProcessedAt = &now
	e.ErrorMessage = nil
}

// MarkFailed records a failed attempt. RetryCount counts every failed
// attempt, including the first.
func (e *WebhookEvent) MarkFailed(now time.Time, lastError string) {
	e.Processed = false
	e.ErrorMessage = &lastError
	e.RetryCount++
	e.LastRetryAt = &now
}
