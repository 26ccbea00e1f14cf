// Package resilience wraps each provider call with layered policies,
// composed circuit breaker -> retry -> raw call, with fallback and graceful
// degradation as the final safety net.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/domain"
)

// Executor holds the shared resilience state: the breaker registry, the
// retry policy, and the provider health tracker. It is constructed once at
// startup and passed into request-scoped handlers.
type Executor struct {
	Breakers *circuitbreaker.Registry
	Retry    RetryConfig
	Health   *HealthTracker
}

func NewExecutor(breakers *circuitbreaker.Registry, retry RetryConfig, health *HealthTracker) *Executor {
	return &Executor{Breakers: breakers, Retry: retry, Health: health}
}

// Execute runs fn under the full policy stack for the given breaker key.
// When the primary path is exhausted and fallback is non-nil, fallback is
// consulted and its result tagged degraded. If fallback is nil or fails,
// the last underlying error is returned unchanged; nothing is swallowed.
func Execute[T any](ctx context.Context, ex *Executor, key circuitbreaker.Key, fn func(context.Context) (T, error), fallback func(context.Context, error) (T, error)) domain.ExecutionResult[T] {
	start := time.Now()
	breaker := ex.Breakers.Get(key)

	var lastErr error
	attempts := 0

	skipPrimary := ex.Health != nil && !ex.Health.Healthy(key.Provider)
	if skipPrimary {
		lastErr = domain.NewError(domain.KindServiceUnavailable, string(key.Provider)+" is currently unhealthy", nil)
		slog.Warn("skipping primary path for unhealthy provider", "provider", key.Provider, "operation", key.Operation)
	}

	for !skipPrimary && attempts < ex.Retry.MaxAttempts {
		if err := breaker.Allow(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}

		attempts++

		value, err := runAttempt(ctx, ex.Retry.PerAttemptTimeout, fn)
		if err == nil {
			breaker.RecordSuccess(ctx)
			if ex.Health != nil {
				ex.Health.RecordSuccess(key.Provider)
			}
			return domain.ExecutionResult[T]{Value: value, Attempts: attempts, Elapsed: time.Since(start)}
		}

		lastErr = err
		breaker.RecordFailure(ctx)
		if ex.Health != nil {
			ex.Health.RecordFailure(key.Provider)
		}

		// Once the caller is gone there is nothing left to retry for.
		if ctx.Err() != nil {
			break
		}
		if !ex.Retry.retryable(err) {
			break
		}
		if attempts >= ex.Retry.MaxAttempts {
			break
		}

		delay := ex.Retry.Delay(attempts)
		slog.Debug("retrying provider call",
			"provider", key.Provider,
			"operation", key.Operation,
			"attempt", attempts,
			"delay", delay,
			"error", err,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.ExecutionResult[T]{Err: lastErr, Attempts: attempts, Elapsed: time.Since(start)}
		}
	}

	if fallback != nil && ctx.Err() == nil {
		value, err := fallback(ctx, lastErr)
		if err == nil {
			slog.Info("fallback substituted degraded result",
				"provider", key.Provider,
				"operation", key.Operation,
				"cause", lastErr,
			)
			return domain.ExecutionResult[T]{Value: value, Attempts: attempts, Elapsed: time.Since(start), Degraded: true}
		}
		if !errors.Is(err, ErrNoFallback) {
			slog.Warn("fallback failed", "provider", key.Provider, "error", err)
		}
	}

	return domain.ExecutionResult[T]{Err: lastErr, Attempts: attempts, Elapsed: time.Since(start)}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
