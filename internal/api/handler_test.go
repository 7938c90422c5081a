package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/clock"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/config"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/dispatch"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/retry"
	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/signature"
)

const testSecret = "whsec_test"

type fakeEventStore struct {
	mu        sync.Mutex
	events    map[string]*domain.WebhookEvent
	createErr error
	creates   int

	// lookupMiss makes GetByProviderEventID report ErrNotFound even for rows
	// that exist, simulating a concurrent delivery inserting between the
	// gate's lookup and the insert.
	lookupMiss bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{events: make(map[string]*domain.WebhookEvent)}
}

func storeKey(provider domain.Provider, eventID string) string {
	return string(provider) + ":" + eventID
}

func (f *fakeEventStore) Create(ctx context.Context, event *domain.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, ok := f.events[storeKey(event.Provider, event.EventID)]; ok {
		return domain.ErrAlreadyExists
	}
	f.creates++
	copied := *event
	f.events[storeKey(event.Provider, event.EventID)] = &copied
	return nil
}

func (f *fakeEventStore) GetByProviderEventID(ctx context.Context, provider domain.Provider, eventID string) (*domain.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event, ok := f.events[storeKey(provider, eventID)]
	if !ok || f.lookupMiss {
		return nil, domain.ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (f *fakeEventStore) UpdateStatus(ctx context.Context, event *domain.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *event
	f.events[storeKey(event.Provider, event.EventID)] = &copied
	return nil
}

func (f *fakeEventStore) GetRetryable(ctx context.Context, maxRetries int, cooldown time.Duration, limit int) ([]*domain.WebhookEvent, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testProviders() map[domain.Provider]config.ProviderConfig {
	providers := make(map[domain.Provider]config.ProviderConfig)
	for _, p := range []domain.Provider{domain.ProviderNymCard, domain.ProviderRamp, domain.ProviderWio, domain.ProviderCircle} {
		providers[p] = config.ProviderConfig{
			Enabled:         true,
			Secret:          testSecret,
			SignatureHeader: fmt.Sprintf("x-%s-signature", p),
			TimestampHeader: fmt.Sprintf("x-%s-timestamp", p),
		}
	}
	return providers
}

type testHarness struct {
	store   *fakeEventStore
	handler *WebhookHandler
	router  http.Handler
	calls   *int
}

func newHarness(t *testing.T, providerHandler dispatch.HandlerFunc) *testHarness {
	t.Helper()

	store := newFakeEventStore()
	clk := &clock.MockClock{NowTime: time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)}
	logger := testLogger()

	calls := 0
	registry := dispatch.NewRegistry(domain.ProviderNymCard, logger)
	registry.RegisterFunc("card.created", func(ctx context.Context, event *domain.WebhookEvent) error {
		calls++
		if providerHandler != nil {
			return providerHandler(ctx, event)
		}
		return nil
	})
	registries := dispatch.Registries{domain.ProviderNymCard: registry}

	processor := retry.NewProcessor(store, retry.DefaultPolicy(), clk, logger)
	handler := NewWebhookHandler(store, registries, testProviders(), nil, nil, processor, clk, logger)

	r := chi.NewRouter()
	r.Post("/webhooks/{provider}", handler.Receive)
	r.Options("/webhooks/{provider}", handler.Preflight)

	return &testHarness{store: store, handler: handler, router: r, calls: &calls}
}

// signedRequest builds a POST with a valid signature over body using the
// provider's scheme and a current timestamp.
func signedRequest(t *testing.T, provider domain.Provider, body []byte) *http.Request {
	t.Helper()

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signature.NewVerifier(signature.Schemes()[provider]).Sign(body, ts, testSecret)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+string(provider), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(fmt.Sprintf("x-%s-signature", provider), sig)
	req.Header.Set(fmt.Sprintf("x-%s-timestamp", provider), ts)
	return req
}

func TestReceive_ProcessesValidWebhook(t *testing.T) {
	h := newHarness(t, nil)

	body := []byte(`{"event_id":"evt_1","event_type":"card.created","data":{"card_id":"crd_1","user_id":"usr_1"}}`)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || !resp.Processed {
		t.Errorf("response = %+v, want success and processed", resp)
	}
	if resp.EventID != "evt_1" {
		t.Errorf("EventID = %q, want evt_1", resp.EventID)
	}
	if *h.calls != 1 {
		t.Errorf("handler called %d times, want 1", *h.calls)
	}

	stored, err := h.store.GetByProviderEventID(context.Background(), domain.ProviderNymCard, "evt_1")
	if err != nil {
		t.Fatalf("event not persisted: %v", err)
	}
	if !stored.Processed {
		t.Error("stored event not marked processed")
	}
}

func TestReceive_DuplicateDelivery(t *testing.T) {
	h := newHarness(t, nil)

	body := []byte(`{"event_id":"evt_dup","event_type":"card.created","data":{"card_id":"crd_1","user_id":"usr_1"}}`)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rec.Code)
	}

	var resp duplicateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Message != "Already processed" {
		t.Errorf("duplicate response = %+v", resp)
	}
	if *h.calls != 1 {
		t.Errorf("handler called %d times, want 1 (duplicate must not re-dispatch)", *h.calls)
	}
	if h.store.creates != 1 {
		t.Errorf("store inserts = %d, want 1", h.store.creates)
	}
}

func TestReceive_InvalidSignature(t *testing.T) {
	h := newHarness(t, nil)

	body := []byte(`{"event_id":"evt_bad","event_type":"card.created"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/nymcard", bytes.NewReader(body))
	req.Header.Set("x-nymcard-signature", "deadbeef")
	req.Header.Set("x-nymcard-timestamp", ts)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if *h.calls != 0 {
		t.Error("handler dispatched despite invalid signature")
	}
	if h.store.creates != 0 {
		t.Error("event persisted despite invalid signature")
	}
}

func TestReceive_StaleTimestamp(t *testing.T) {
	h := newHarness(t, nil)

	body := []byte(`{"event_id":"evt_old","event_type":"card.created"}`)
	ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	sig := signature.NewVerifier(signature.Schemes()[domain.ProviderNymCard]).Sign(body, ts, testSecret)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/nymcard", bytes.NewReader(body))
	req.Header.Set("x-nymcard-signature", sig)
	req.Header.Set("x-nymcard-timestamp", ts)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestReceive_MissingEventFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing event_id", `{"event_type":"card.created"}`},
		{"missing event_type", `{"event_id":"evt_1"}`},
		{"malformed json", `{"event_id":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)

			rec := httptest.NewRecorder()
			h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, []byte(tt.body)))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if h.store.creates != 0 {
				t.Error("event persisted despite invalid payload")
			}
		})
	}
}

func TestReceive_UnknownProvider(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReceive_DisabledProvider(t *testing.T) {
	h := newHarness(t, nil)
	providers := testProviders()
	providers[domain.ProviderRamp] = config.ProviderConfig{Enabled: false}
	h.handler.providers = providers

	body := []byte(`{"event_id":"evt_1","event_type":"RELEASED"}`)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderRamp, body))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReceive_UnknownEventTypeIsNoOp(t *testing.T) {
	h := newHarness(t, nil)

	body := []byte(`{"event_id":"evt_mystery","event_type":"card.3ds_enrolled"}`)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Processed {
		t.Error("unknown event type should be accepted as processed")
	}
	if *h.calls != 0 {
		t.Error("registered handler invoked for unknown event type")
	}

	stored, err := h.store.GetByProviderEventID(context.Background(), domain.ProviderNymCard, "evt_mystery")
	if err != nil {
		t.Fatalf("event not persisted: %v", err)
	}
	if !stored.Processed {
		t.Error("stored event not marked processed")
	}
}

func TestReceive_HandlerFailureStillAcknowledged(t *testing.T) {
	handlerErr := errors.New("provider API down")
	h := newHarness(t, func(ctx context.Context, event *domain.WebhookEvent) error {
		return handlerErr
	})

	body := []byte(`{"event_id":"evt_fail","event_type":"card.created"}`)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (handler failure is internal)", rec.Code)
	}

	var resp acceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Error("Success = false, want true")
	}
	if resp.Processed {
		t.Error("Processed = true, want false")
	}
	if *h.calls != retry.DefaultPolicy().MaxRetries {
		t.Errorf("handler called %d times, want full retry budget %d", *h.calls, retry.DefaultPolicy().MaxRetries)
	}

	stored, err := h.store.GetByProviderEventID(context.Background(), domain.ProviderNymCard, "evt_fail")
	if err != nil {
		t.Fatalf("event not persisted: %v", err)
	}
	if stored.Processed {
		t.Error("stored event marked processed after failure")
	}
	if stored.RetryCount != retry.DefaultPolicy().MaxRetries {
		t.Errorf("RetryCount = %d, want %d", stored.RetryCount, retry.DefaultPolicy().MaxRetries)
	}
	if stored.ErrorMessage == nil || *stored.ErrorMessage != handlerErr.Error() {
		t.Errorf("ErrorMessage = %v, want handler error", stored.ErrorMessage)
	}
}

func TestReceive_InsertRaceReportsDuplicate(t *testing.T) {
	h := newHarness(t, nil)

	body := []byte(`{"event_id":"evt_race","event_type":"card.created"}`)

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d, want 200", rec.Code)
	}

	// Hide the row from the gate's lookup so the second delivery reaches the
	// insert, which reports the conflict.
	h.store.lookupMiss = true

	rec = httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))
	if rec.Code != http.StatusOK {
		t.Fatalf("racing delivery status = %d, want 200", rec.Code)
	}

	var resp duplicateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Message != "Already processed" {
		t.Errorf("race loser response = %+v, want duplicate", resp)
	}
	if *h.calls != 1 {
		t.Errorf("handler called %d times, want 1 (race loser must not re-dispatch)", *h.calls)
	}
}

func TestReceive_StoreFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.store.createErr = errors.New("connection refused")

	body := []byte(`{"event_id":"evt_db","event_type":"card.created"}`)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if *h.calls != 0 {
		t.Error("handler dispatched despite store failure")
	}
}

func TestPreflight(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/webhooks/nymcard", nil)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "POST, OPTIONS" {
		t.Errorf("Allow-Methods = %q", got)
	}
	allowHeaders := rec.Header().Get("Access-Control-Allow-Headers")
	if allowHeaders != "Content-Type, x-nymcard-signature, x-nymcard-timestamp" {
		t.Errorf("Allow-Headers = %q", allowHeaders)
	}
}

func TestReceive_DedupCacheShortCircuits(t *testing.T) {
	h := newHarness(t, nil)

	seen := &fakeDedup{seen: map[string]bool{"nymcard:evt_cached": true}}
	h.handler.dedup = seen

	body := []byte(`{"event_id":"evt_cached","event_type":"card.created"}`)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp duplicateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message != "Already processed" {
		t.Errorf("Message = %q, want Already processed", resp.Message)
	}
	if h.store.creates != 0 {
		t.Error("store insert despite cache hit")
	}
}

func TestReceive_DedupCacheErrorFallsThrough(t *testing.T) {
	h := newHarness(t, nil)
	h.handler.dedup = &fakeDedup{err: errors.New("redis down")}

	body := []byte(`{"event_id":"evt_nocache","event_type":"card.created"}`)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, signedRequest(t, domain.ProviderNymCard, body))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if h.store.creates != 1 {
		t.Errorf("store inserts = %d, want 1 (cache failure must not block intake)", h.store.creates)
	}
}

type fakeDedup struct {
	seen map[string]bool
	err  error
}

func (f *fakeDedup) Seen(ctx context.Context, provider domain.Provider, eventID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.seen[storeKey(provider, eventID)], nil
}

func (f *fakeDedup) Mark(ctx context.Context, provider domain.Provider, eventID string) error {
	return f.err
}
