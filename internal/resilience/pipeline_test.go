package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelbridge/gateway/internal/circuitbreaker"
	"github.com/modelbridge/gateway/internal/domain"
)

func testExecutor(retry RetryConfig) *Executor {
	return NewExecutor(circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), retry, nil)
}

func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    5 * time.Millisecond,
	}
}

var testKey = circuitbreaker.Key{Provider: domain.ProviderAzure, Operation: "create_response"}

func TestExecute_SucceedsFirstAttempt(t *testing.T) {
	ex := testExecutor(fastRetry(3))

	calls := 0
	result := Execute(context.Background(), ex, testKey, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	}, nil)

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Value != "ok" {
		t.Errorf("expected ok, got %q", result.Value)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("expected 1 attempt, got attempts=%d calls=%d", result.Attempts, calls)
	}
	if result.Degraded {
		t.Error("successful primary result must not be degraded")
	}
}

func TestExecute_RetriesRetryableErrors(t *testing.T) {
	ex := testExecutor(fastRetry(3))

	calls := 0
	result := Execute(context.Background(), ex, testKey, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", domain.NewError(domain.KindServiceUnavailable, "upstream overloaded", nil)
		}
		return "recovered", nil
	}, nil)

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if result.Value != "recovered" {
		t.Errorf("expected recovered, got %q", result.Value)
	}
}

func TestExecute_DoesNotRetryValidationErrors(t *testing.T) {
	ex := testExecutor(fastRetry(5))

	calls := 0
	result := Execute(context.Background(), ex, testKey, func(ctx context.Context) (string, error) {
		calls++
		return "", domain.Validationf("model", "model is required")
	}, nil)

	if result.Err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-retryable error must not be retried, got %d calls", calls)
	}
	if domain.KindOf(result.Err) != domain.KindValidation {
		t.Errorf("error kind must survive the pipeline, got %v", domain.KindOf(result.Err))
	}
}

func TestExecute_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	ex := testExecutor(fastRetry(3))

	calls := 0
	result := Execute(context.Background(), ex, testKey, func(ctx context.Context) (string, error) {
		calls++
		return "", domain.NewError(domain.KindTimeout, "deadline exceeded", nil)
	}, nil)

	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if domain.KindOf(result.Err) != domain.KindTimeout {
		t.Errorf("expected the last error unchanged, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected attempts=3, got %d", result.Attempts)
	}
}

func TestExecute_NoRetryAfterCancellation(t *testing.T) {
	ex := testExecutor(fastRetry(5))

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	result := Execute(ctx, ex, testKey, func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", domain.NewError(domain.KindNetwork, "connection reset", nil)
	}, nil)

	if calls != 1 {
		t.Errorf("expected exactly one call after cancellation, got %d", calls)
	}
	if result.Err == nil {
		t.Error("expected error after cancellation")
	}
}

func TestExecute_FallbackTagsDegraded(t *testing.T) {
	ex := testExecutor(fastRetry(2))

	result := Execute(context.Background(), ex, testKey, func(ctx context.Context) (string, error) {
		return "", domain.NewError(domain.KindServiceUnavailable, "down", nil)
	}, func(ctx context.Context, cause error) (string, error) {
		if domain.KindOf(cause) != domain.KindServiceUnavailable {
			t.Errorf("fallback must receive the last primary error, got %v", cause)
		}
		return "canned", nil
	})

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if result.Value != "canned" {
		t.Errorf("expected canned, got %q", result.Value)
	}
	if !result.Degraded {
		t.Error("fallback results must be tagged degraded")
	}
}

func TestExecute_FallbackFailurePreservesOriginalError(t *testing.T) {
	ex := testExecutor(fastRetry(1))

	original := domain.NewError(domain.KindTimeout, "provider timed out", nil)
	result := Execute(context.Background(), ex, testKey, func(ctx context.Context) (string, error) {
		return "", original
	}, func(ctx context.Context, cause error) (string, error) {
		return "", ErrNoFallback
	})

	if !errors.Is(result.Err, original) {
		t.Errorf("expected the primary error, got %v", result.Err)
	}
}

func TestExecute_BreakerOpenSkipsCall(t *testing.T) {
	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
		HalfOpenMaxCalls: 1,
	})
	ex := NewExecutor(registry, fastRetry(3), nil)

	registry.Get(testKey).RecordFailure(context.Background())

	calls := 0
	result := Execute(context.Background(), ex, testKey, func(ctx context.Context) (string, error) {
		calls++
		return "unreachable", nil
	}, nil)

	if calls != 0 {
		t.Errorf("open breaker must fail fast without invoking fn, got %d calls", calls)
	}
	if !errors.Is(result.Err, domain.ErrCircuitBreakerOpen) {
		t.Errorf("expected ErrCircuitBreakerOpen, got %v", result.Err)
	}
}

func TestExecute_UnhealthyProviderGoesStraightToFallback(t *testing.T) {
	health := NewHealthTracker(1, time.Minute)
	health.RecordFailure(domain.ProviderAzure)

	ex := NewExecutor(circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()), fastRetry(3), health)

	calls := 0
	result := Execute(context.Background(), ex, testKey, func(ctx context.Context) (string, error) {
		calls++
		return "unreachable", nil
	}, func(ctx context.Context, cause error) (string, error) {
		return "degraded", nil
	})

	if calls != 0 {
		t.Errorf("unhealthy provider must not be called, got %d calls", calls)
	}
	if result.Value != "degraded" || !result.Degraded {
		t.Errorf("expected degraded fallback, got value=%q degraded=%v", result.Value, result.Degraded)
	}
}

func TestDelay_GrowsExponentiallyAndIsCapped(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
		MaxDelay:   time.Second,
	}

	for attempt := 1; attempt <= 8; attempt++ {
		d := cfg.Delay(attempt)

		nominal := cfg.BaseDelay * (1 << (attempt - 1))
		if nominal > cfg.MaxDelay {
			nominal = cfg.MaxDelay
		}
		if d < nominal {
			t.Errorf("attempt %d: delay %v below nominal %v", attempt, d, nominal)
		}
		if d >= 2*nominal {
			t.Errorf("attempt %d: delay %v at or above jitter ceiling %v", attempt, d, 2*nominal)
		}
	}
}

func TestDefaultRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network kind", domain.NewError(domain.KindNetwork, "x", nil), true},
		{"timeout kind", domain.NewError(domain.KindTimeout, "x", nil), true},
		{"rate limit kind", domain.NewError(domain.KindRateLimit, "x", nil), true},
		{"unavailable kind", domain.NewError(domain.KindServiceUnavailable, "x", nil), true},
		{"validation kind", domain.Validationf("model", "bad"), false},
		{"auth kind", domain.NewError(domain.KindAuthentication, "x", nil), false},
		{"internal kind", domain.NewError(domain.KindInternal, "x", nil), false},
		{"provider 429", &domain.ProviderError{Provider: domain.ProviderAzure, Status: 429}, true},
		{"provider 503", &domain.ProviderError{Provider: domain.ProviderAzure, Status: 503}, true},
		{"provider 400", &domain.ProviderError{Provider: domain.ProviderAzure, Status: 400}, false},
		{"keyword timeout", errors.New("dial tcp: i/o timeout"), true},
		{"keyword throttling", errors.New("ThrottlingException: slow down"), true},
		{"plain error", errors.New("something odd"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultRetryable(tt.err); got != tt.want {
				t.Errorf("DefaultRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestHealthTracker_RecoversAfterWindow(t *testing.T) {
	h := NewHealthTracker(2, 20*time.Millisecond)

	h.RecordFailure(domain.ProviderBedrock)
	if !h.Healthy(domain.ProviderBedrock) {
		t.Error("one failure below threshold must stay healthy")
	}

	h.RecordFailure(domain.ProviderBedrock)
	if h.Healthy(domain.ProviderBedrock) {
		t.Error("expected unhealthy at threshold")
	}

	time.Sleep(30 * time.Millisecond)
	if !h.Healthy(domain.ProviderBedrock) {
		t.Error("expected recovery after the window elapsed")
	}
}

func TestHealthTracker_SuccessClearsFailures(t *testing.T) {
	h := NewHealthTracker(2, time.Minute)

	h.RecordFailure(domain.ProviderAzure)
	h.RecordSuccess(domain.ProviderAzure)
	h.RecordFailure(domain.ProviderAzure)

	if !h.Healthy(domain.ProviderAzure) {
		t.Error("success must reset the failure count")
	}
}
