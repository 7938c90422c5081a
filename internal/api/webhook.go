// Package api exposes the webhook intake over HTTP.
//
// One endpoint per provider: POST /webhooks/{provider}. The pipeline is
// verify signature, gate on (provider, event_id), persist, dispatch to the
// provider's handler registry under the retry policy, respond. A handler
// failure is an internal condition: the delivery is still acknowledged with
// 200 so the provider stops re-sending, and the sweeper picks the row up.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/clock"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/config"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/dispatch"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/observability"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/repository"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/resilience"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/retry"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/signature"
)

// maxBodyBytes caps inbound payloads. Provider webhooks are small JSON
// documents; anything near this limit is abuse.
const maxBodyBytes = 1 << 20

// ProcessedPublisher emits processed events to the internal bus. Optional;
// publish failures never affect the HTTP response.
type ProcessedPublisher interface {
	PublishProcessed(ctx context.Context, event *domain.WebhookEvent) error
}

// WebhookHandler runs the intake pipeline for all configured providers.
type WebhookHandler struct {
	events     repository.WebhookEventRepository
	dedup      repository.DedupCache
	registries dispatch.Registries
	verifiers  map[domain.Provider]*signature.Verifier
	providers  map[domain.Provider]config.ProviderConfig
	limiter    *resilience.RateLimiterManager
	breakers   *resilience.CircuitBreakerManager
	processor  *retry.Processor
	publisher  ProcessedPublisher
	metrics    *observability.Metrics
	clock      clock.Clock
	logger     *slog.Logger
}

type WebhookHandlerOption func(*WebhookHandler)

// WithDedupCache installs the fast-path seen-cache in front of the store
// lookup. Without it the database gate alone decides duplicates.
func WithDedupCache(cache repository.DedupCache) WebhookHandlerOption {
	return func(h *WebhookHandler) { h.dedup = cache }
}

// WithPublisher installs a processed-event bus publisher.
func WithPublisher(p ProcessedPublisher) WebhookHandlerOption {
	return func(h *WebhookHandler) { h.publisher = p }
}

func WithMetrics(m *observability.Metrics) WebhookHandlerOption {
	return func(h *WebhookHandler) { h.metrics = m }
}

func NewWebhookHandler(
	events repository.WebhookEventRepository,
	registries dispatch.Registries,
	providers map[domain.Provider]config.ProviderConfig,
	limiter *resilience.RateLimiterManager,
	breakers *resilience.CircuitBreakerManager,
	processor *retry.Processor,
	clk clock.Clock,
	logger *slog.Logger,
	opts ...WebhookHandlerOption,
) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}

	verifiers := make(map[domain.Provider]*signature.Verifier)
	for provider, scheme := range signature.Schemes() {
		verifiers[provider] = signature.NewVerifier(scheme)
	}

	h := &WebhookHandler{
		events:     events,
		registries: registries,
		verifiers:  verifiers,
		providers:  providers,
		limiter:    limiter,
		breakers:   breakers,
		processor:  processor,
		clock:      clk,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type eventEnvelope struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

type acceptedResponse struct {
	Success        bool   `json:"success"`
	EventID        string `json:"event_id"`
	Processed      bool   `json:"processed"`
	ResponseTimeMS int64  `json:"response_time_ms"`
}

type duplicateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Receive is the POST /webhooks/{provider} endpoint.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := observability.LoggerFromContext(ctx)

	provider := domain.Provider(strings.ToLower(chi.URLParam(r, "provider")))
	providerCfg, known := h.providers[provider]
	if !known {
		writeJSON(w, http.StatusNotFound, errorResponse{Success: false, Error: "Unknown provider"})
		return
	}
	if !providerCfg.Enabled {
		logger.Warn("webhook received for disabled provider", "provider", provider)
		writeJSON(w, http.StatusNotFound, errorResponse{Success: false, Error: "Unknown provider"})
		return
	}

	logger = logger.With("provider", provider)
	if h.metrics != nil {
		h.metrics.WebhooksReceived.WithLabelValues(string(provider)).Inc()
	}

	if h.limiter != nil && !h.limiter.Allow(provider) {
		if h.metrics != nil {
			h.metrics.WebhooksThrottled.WithLabelValues(string(provider)).Inc()
		}
		logger.Warn("webhook throttled")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Success: false, Error: "Too many requests"})
		return
	}

	// The raw bytes must be read before any parsing: the signature covers
	// the body exactly as received.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "Unable to read request body"})
		return
	}

	sigHeader := r.Header.Get(providerCfg.SignatureHeader)
	tsHeader := r.Header.Get(providerCfg.TimestampHeader)

	verifier := h.verifiers[provider]
	if err := verifier.Verify(body, sigHeader, tsHeader, providerCfg.Secret); err != nil {
		if h.metrics != nil {
			h.metrics.WebhooksRejected.WithLabelValues(string(provider), "signature").Inc()
		}
		logger.Warn("signature verification failed", "error", err)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Success: false, Error: "Invalid signature"})
		return
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		if h.metrics != nil {
			h.metrics.WebhooksRejected.WithLabelValues(string(provider), "payload").Inc()
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "Invalid JSON payload"})
		return
	}
	if envelope.EventID == "" || envelope.EventType == "" {
		if h.metrics != nil {
			h.metrics.WebhooksRejected.WithLabelValues(string(provider), "payload").Inc()
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Success: false, Error: "Missing event_id or event_type"})
		return
	}

	logger = logger.With("event_id", envelope.EventID, "event_type", envelope.EventType)

	if h.isDuplicate(ctx, provider, envelope.EventID, logger) {
		if h.metrics != nil {
			h.metrics.EventsDuplicate.WithLabelValues(string(provider)).Inc()
		}
		logger.Info("duplicate delivery short-circuited")
		writeJSON(w, http.StatusOK, duplicateResponse{Success: true, Message: "Already processed"})
		return
	}

	event := &domain.WebhookEvent{
		ID:         uuid.New().String(),
		Provider:   provider,
		EventID:    envelope.EventID,
		EventType:  envelope.EventType,
		Signature:  sigHeader,
		RawPayload: body,
		CreatedAt:  h.clock.Now(),
	}
	if err := h.events.Create(ctx, event); err != nil {
		// A concurrent delivery can win the insert between our lookup and
		// here; the loser is a duplicate, not a storage failure.
		if errors.Is(err, domain.ErrAlreadyExists) {
			if h.metrics != nil {
				h.metrics.EventsDuplicate.WithLabelValues(string(provider)).Inc()
			}
			logger.Info("duplicate delivery lost insert race")
			writeJSON(w, http.StatusOK, duplicateResponse{Success: true, Message: "Already processed"})
			return
		}
		logger.Error("failed to persist webhook event", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Success: false, Error: "Failed to store event"})
		return
	}
	h.markSeen(ctx, provider, envelope.EventID, logger)

	result := h.process(ctx, provider, event, logger)

	if h.metrics != nil {
		h.metrics.ProcessingTime.WithLabelValues(string(provider)).Observe(time.Since(start).Seconds())
		if result.Processed {
			h.metrics.EventsProcessed.WithLabelValues(string(provider)).Inc()
		} else if !event.CanRetry(h.processor.MaxRetries()) {
			h.metrics.EventsFailed.WithLabelValues(string(provider)).Inc()
		}
	}

	if result.Processed && h.publisher != nil {
		if err := h.publisher.PublishProcessed(ctx, event); err != nil {
			logger.Warn("failed to publish processed event", "error", err)
		}
	}

	logger.Info("webhook accepted",
		"processed", result.Processed,
		"attempts", result.Attempts,
	)
	writeJSON(w, http.StatusOK, acceptedResponse{
		Success:        true,
		EventID:        envelope.EventID,
		Processed:      result.Processed,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	})
}

// isDuplicate consults the seen-cache first, then the store. The store is
// authoritative; cache errors degrade to a store lookup.
func (h *WebhookHandler) isDuplicate(ctx context.Context, provider domain.Provider, eventID string, logger *slog.Logger) bool {
	if h.dedup != nil {
		seen, err := h.dedup.Seen(ctx, provider, eventID)
		if err != nil {
			logger.Warn("dedup cache lookup failed", "error", err)
		} else if seen {
			return true
		}
	}

	_, err := h.events.GetByProviderEventID(ctx, provider, eventID)
	if err == nil {
		h.markSeen(ctx, provider, eventID, logger)
		return true
	}
	if !errors.Is(err, domain.ErrNotFound) {
		logger.Warn("idempotency lookup failed, treating delivery as new", "error", err)
	}
	return false
}

func (h *WebhookHandler) markSeen(ctx context.Context, provider domain.Provider, eventID string, logger *slog.Logger) {
	if h.dedup == nil {
		return
	}
	if err := h.dedup.Mark(ctx, provider, eventID); err != nil {
		logger.Warn("dedup cache mark failed", "error", err)
	}
}

// process runs the event through the provider registry under the retry
// policy. When the provider's circuit breaker is open the in-request loop is
// skipped: the failure is recorded once and the row is left for the sweeper.
func (h *WebhookHandler) process(ctx context.Context, provider domain.Provider, event *domain.WebhookEvent, logger *slog.Logger) retry.Result {
	registry, ok := h.registries.For(provider)
	if !ok {
		// Configured provider without a registry is a wiring bug; accept the
		// event as a no-op rather than fail deliveries.
		logger.Error("no handler registry for provider")
		event.MarkProcessed(h.clock.Now())
		if err := h.events.UpdateStatus(ctx, event); err != nil {
			logger.Error("failed to persist processed status", "error", err)
		}
		return retry.Result{Processed: true, Attempts: 0}
	}

	var handled bool
	fn := func(ctx context.Context) error {
		if h.breakers == nil {
			var err error
			handled, err = registry.Dispatch(ctx, event)
			return err
		}
		return h.breakers.Execute(provider, func() error {
			var err error
			handled, err = registry.Dispatch(ctx, event)
			return err
		})
	}

	var result retry.Result
	if h.breakers != nil && h.breakers.State(provider) == resilience.CircuitBreakerStateOpen {
		logger.Warn("circuit breaker open, deferring to sweeper")
		result = h.processor.ProcessOnce(ctx, event, fn)
	} else {
		result = h.processor.Process(ctx, event, fn)
	}

	if result.Processed && !handled && h.metrics != nil {
		h.metrics.EventsUnknownType.WithLabelValues(string(provider)).Inc()
	}
	return result
}

// Preflight answers CORS preflight requests for the webhook endpoints.
func (h *WebhookHandler) Preflight(w http.ResponseWriter, r *http.Request) {
	provider := domain.Provider(strings.ToLower(chi.URLParam(r, "provider")))

	allowHeaders := "Content-Type"
	if cfg, ok := h.providers[provider]; ok {
		allowHeaders += ", " + cfg.SignatureHeader + ", " + cfg.TimestampHeader
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
