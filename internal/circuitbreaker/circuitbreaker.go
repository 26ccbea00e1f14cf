// Package circuitbreaker implements the circuit breaker pattern for failure
// isolation. Breakers are keyed per (provider, operation) so one provider's
// outage never opens the breaker for another.
//
// States:
//   - Closed: normal operation, requests pass through
//   - Open: provider unhealthy, requests fail immediately
//   - Half-Open: testing recovery, a limited number of trial calls allowed
//
// Implementations:
//   - InMemoryCircuitBreaker: single-instance, uses sync.Mutex
//   - RedisCircuitBreaker: distributed, uses Redis with Lua scripts for atomicity
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

// Key identifies one breaker: which provider and which operation on it.
type Key struct {
	Provider  domain.Provider
	Operation string
}

func (k Key) String() string {
	return string(k.Provider) + ":" + k.Operation
}

// CircuitBreaker defines the interface for circuit breaker implementations.
type CircuitBreaker interface {
	// Allow checks if a request should pass through. Returns nil if allowed,
	// domain.ErrCircuitBreakerOpen otherwise.
	Allow(ctx context.Context) error

	// RecordSuccess records a successful request. In half-open state, enough
	// successes close the circuit.
	RecordSuccess(ctx context.Context)

	// RecordFailure records a failed request. Enough consecutive failures
	// open the circuit.
	RecordFailure(ctx context.Context)

	// State returns the current breaker state.
	State(ctx context.Context) State
}

// State represents the current state of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines circuit breaker behavior.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes to close from half-open
	Cooldown         time.Duration // time open before transitioning to half-open
	HalfOpenMaxCalls int           // trial calls allowed while half-open
}

// DefaultConfig returns sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// InMemoryCircuitBreaker tracks failures and controls request flow for one
// (provider, operation) key. Suitable for single-instance deployments.
type InMemoryCircuitBreaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
	config        Config
}

// NewInMemory creates a new in-memory circuit breaker.
func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &InMemoryCircuitBreaker{
		state:  StateClosed,
		config: cfg,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailure) >= cb.config.Cooldown {
			cb.state = StateHalfOpen
			cb.successes = 0
			cb.halfOpenCalls = 1
			return nil
		}
		return domain.ErrCircuitBreakerOpen
	case StateHalfOpen:
		// Trial budget is enforced under the same lock as the transition,
		// so concurrent callers cannot both claim the last trial slot.
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return domain.ErrCircuitBreakerOpen
		}
		cb.halfOpenCalls++
		return nil
	}

	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
			cb.halfOpenCalls = 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successes = 0
		cb.halfOpenCalls = 0
	}
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Registry manages the breakers for every (provider, operation) key. It is
// constructed once at startup and passed by reference into request-scoped
// handlers; there is no process-wide instance.
type Registry struct {
	mu       sync.RWMutex
	breakers map[Key]CircuitBreaker
	config   Config
	factory  func(key Key) CircuitBreaker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRedis configures the registry to create Redis-backed breakers,
// falling back to in-memory when Redis is unreachable.
func WithRedis(redisURL string) RegistryOption {
	return func(r *Registry) {
		r.factory = func(key Key) CircuitBreaker {
			cb, err := NewRedis(redisURL, key, r.config)
			if err != nil {
				return NewInMemory(r.config)
			}
			return cb
		}
	}
}

// NewRegistry creates a circuit breaker registry. By default breakers are
// in-memory; use WithRedis for distributed state.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers: make(map[Key]CircuitBreaker),
		config:   cfg,
		factory: func(key Key) CircuitBreaker {
			return NewInMemory(cfg)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the breaker for a key, creating one if it does not exist.
func (r *Registry) Get(key Key) CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()

	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.breakers[key]; ok {
		return existing
	}

	cb = r.factory(key)
	r.breakers[key] = cb
	return cb
}

// States returns the current state of every known breaker.
func (r *Registry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ctx := context.Background()
	states := make(map[string]string)
	for key, cb := range r.breakers {
		states[key.String()] = cb.State(ctx).String()
	}
	return states
}
