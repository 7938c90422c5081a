// Package resilience protects the webhook intake path: a per-provider rate
// limiter absorbs delivery storms, and a per-provider circuit breaker stops
// burning in-request retries against a persistently failing handler path.
//
// Uses:
//   - golang.org/x/time/rate: token bucket rate limiter from the Go team.
//   - github.com/sony/gobreaker: Sony's circuit breaker implementation.
package resilience

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/titoguevara-aikeys/keyspay-webhooks/internal/domain"
)

// RateLimiterConfig defines per-provider intake limits.
//
// RequestsPerSecond is the steady-state accepted delivery rate per provider;
// BurstSize absorbs short spikes above it.
type RateLimiterConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 50,
		BurstSize:         100,
	}
}

// RateLimiterManager maintains one token bucket per provider, lazily
// initialized with double-checked locking. Providers are isolated: a NymCard
// delivery storm cannot starve Ramp deliveries.
type RateLimiterManager struct {
	config   RateLimiterConfig
	limiters map[domain.Provider]*rate.Limiter
	mu       sync.RWMutex
}

func NewRateLimiterManager(config RateLimiterConfig) *RateLimiterManager {
	return &RateLimiterManager{
		config:   config,
		limiters: make(map[domain.Provider]*rate.Limiter),
	}
}

func (m *RateLimiterManager) getLimiter(provider domain.Provider) *rate.Limiter {
	m.mu.RLock()
	limiter, exists := m.limiters[provider]
	m.mu.RUnlock()

	if exists {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if limiter, exists = m.limiters[provider]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(m.config.RequestsPerSecond), m.config.BurstSize)
	m.limiters[provider] = limiter
	return limiter
}

// Allow reports whether a delivery from the provider is accepted right now.
func (m *RateLimiterManager) Allow(provider domain.Provider) bool {
	return m.getLimiter(provider).Allow()
}
