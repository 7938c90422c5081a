// Package kafka publishes processed webhook events to the internal event
// bus for downstream consumers (notifications, analytics, audit).
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

// ProcessedEvent is the bus message emitted after an event is marked
// processed. Raw payload travels with it so consumers never re-fetch.
type ProcessedEvent struct {
	Provider    domain.Provider `json:"provider"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// PublisherConfig configures the Kafka publisher.
type PublisherConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "webhooks.processed",
		BatchTimeout: 10 * time.Millisecond,
	}
}

type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewPublisher(config PublisherConfig, logger *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}

	return &Publisher{
		writer: writer,
		logger: logger,
	}
}

// Publish emits a processed event keyed by (provider, event_id) so all
// deliveries for one event land on one partition.
func (p *Publisher) Publish(ctx context.Context, event ProcessedEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal processed event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(string(event.Provider) + ":" + event.EventID),
		Value: value,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// PublishProcessed adapts a stored webhook event to the bus message.
func (p *Publisher) PublishProcessed(ctx context.Context, event *domain.WebhookEvent) error {
	processedAt := time.Now()
	if event.ProcessedAt != nil {
		processedAt = *event.ProcessedAt
	}
	return p.Publish(ctx, ProcessedEvent{
		Provider:    event.Provider,
		EventID:     event.EventID,
		EventType:   event.EventType,
		Payload:     event.RawPayload,
		ProcessedAt: processedAt,
	})
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
