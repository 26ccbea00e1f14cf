package resilience

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

// RetryConfig defines the retry-with-backoff policy applied inside the
// circuit breaker.
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	Multiplier        float64
	MaxDelay          time.Duration
	PerAttemptTimeout time.Duration

	// Retryable decides whether a failure is worth another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryConfig returns sensible defaults for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         500 * time.Millisecond,
		Multiplier:        2.0,
		MaxDelay:          30 * time.Second,
		PerAttemptTimeout: 60 * time.Second,
	}
}

// Delay computes the backoff before the given attempt (1-based): exponential
// growth capped at MaxDelay, plus additive jitter in [0, delay). Jitter can
// at most double the nominal delay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	nominal := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if max := float64(c.MaxDelay); c.MaxDelay > 0 && nominal > max {
		nominal = max
	}
	jitter := rand.Float64() * nominal
	return time.Duration(nominal + jitter)
}

func (c RetryConfig) retryable(err error) bool {
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return DefaultRetryable(err)
}

// Keywords recognized by the fallback heuristic when an error carries no
// classified kind.
var retryableKeywords = []string{
	"timeout",
	"timed out",
	"connection",
	"unavailable",
	"overloaded",
	"throttl",
	"rate limit",
	"too many requests",
	"status=500",
	"status=502",
	"status=503",
	"status=504",
}

// DefaultRetryable treats network, timeout, rate-limit, and
// service-unavailable conditions as retryable; validation, authentication,
// and internal failures are not. Unclassified errors fall back to a keyword
// heuristic over the error message.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	if de, ok := domain.AsError(err); ok {
		switch de.Kind {
		case domain.KindNetwork, domain.KindTimeout, domain.KindRateLimit, domain.KindServiceUnavailable:
			return true
		default:
			return false
		}
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return pe.Status == 429 || pe.Status >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range retryableKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
