// Package dispatch routes provider events to domain handlers.
//
// Each provider owns a Registry mapping event-type strings to handlers,
// built at startup. Unknown event types are a benign no-op: providers add
// event types over time and an unrecognized one must not block delivery.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

// Handler processes one provider event against the business records.
type Handler interface {
	Handle(ctx context.Context, event *domain.WebhookEvent) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *domain.WebhookEvent) error

func (f HandlerFunc) Handle(ctx context.Context, event *domain.WebhookEvent) error {
	return f(ctx, event)
}

// Registry holds one provider's event-type → handler mapping.
type Registry struct {
	provider domain.Provider
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewRegistry(provider domain.Provider, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		provider: provider,
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

func (r *Registry) Provider() domain.Provider {
	return r.provider
}

func (r *Registry) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

func (r *Registry) RegisterFunc(eventType string, fn HandlerFunc) {
	r.handlers[eventType] = fn
}

// EventTypes returns the registered event types, for startup logging.
func (r *Registry) EventTypes() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Dispatch invokes the handler registered for the event's type. It reports
// handled=false with a nil error for unknown types; the caller marks those
// events processed without side effects.
func (r *Registry) Dispatch(ctx context.Context, event *domain.WebhookEvent) (handled bool, err error) {
	h, ok := r.handlers[event.EventType]
	if !ok {
		r.logger.Info("no handler for event type, accepting as no-op",
			"provider", r.provider,
			"event_type", event.EventType,
			"event_id", event.EventID,
		)
		return false, nil
	}
	return true, h.Handle(ctx, event)
}

// Registries is the per-provider registry set constructed by the entry point.
type Registries map[domain.Provider]*Registry

func (rs Registries) For(provider domain.Provider) (*Registry, bool) {
	r, ok := rs[provider]
	return r, ok
}
