package resilience

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

// CircuitBreakerConfig defines per-provider breaker behavior.
//
// MaxRequests is the number of probes allowed in half-open state. Interval
// clears counts while closed. Timeout is how long the breaker stays open
// before probing. FailureRatio and MinRequests set the trip threshold.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  5,
	}
}

type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerManager maintains one breaker per provider. When a
// provider's handler path trips the breaker, the intake keeps accepting and
// persisting events but skips the in-request retry loop, leaving them for
// the sweeper once the breaker recovers.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[domain.Provider]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(provider domain.Provider, from, to CircuitBreakerState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[domain.Provider]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for breaker transitions, used to feed
// metrics and logs.
func (m *CircuitBreakerManager) OnStateChange(fn func(provider domain.Provider, from, to CircuitBreakerState)) {
	m.onStateChange = fn
}

func (m *CircuitBreakerManager) getBreaker(provider domain.Provider) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[provider]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[provider]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        string(provider),
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(domain.Provider(name), toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[provider] = cb
	return cb
}

// Execute runs fn through the provider's breaker. If the breaker is open it
// returns gobreaker.ErrOpenState without calling fn.
func (m *CircuitBreakerManager) Execute(provider domain.Provider, fn func() error) error {
	_, err := m.getBreaker(provider).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// State returns the provider's current breaker state.
func (m *CircuitBreakerManager) State(provider domain.Provider) CircuitBreakerState {
	return toState(m.getBreaker(provider).State())
}

func toState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateClosed:
		return CircuitBreakerStateClosed
	case gobreaker.StateOpen:
		return CircuitBreakerStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerStateHalfOpen
	default:
		return CircuitBreakerStateClosed
	}
}
