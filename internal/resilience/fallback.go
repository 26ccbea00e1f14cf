package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

// ErrNoFallback is returned by fallback funcs that have nothing to offer
// for this request, letting the pipeline surface the original error.
var ErrNoFallback = errors.New("no fallback available")

// CompletionFallback produces a substitute completion when the primary path
// is exhausted. Results must be tagged Degraded.
type CompletionFallback func(ctx context.Context, cause error) (*domain.CompletionResponse, error)

// StaticFallback returns a fixed degraded completion regardless of cause.
func StaticFallback(model, message string) CompletionFallback {
	return func(ctx context.Context, cause error) (*domain.CompletionResponse, error) {
		return &domain.CompletionResponse{
			ID:         fmt.Sprintf("degraded-%d", time.Now().UnixNano()),
			Model:      model,
			Text:       message,
			StopReason: "stop",
			Degraded:   true,
		}, nil
	}
}

// ChainFallbacks tries each fallback in order and returns the first result.
func ChainFallbacks(fallbacks ...CompletionFallback) CompletionFallback {
	return func(ctx context.Context, cause error) (*domain.CompletionResponse, error) {
		for _, fb := range fallbacks {
			if fb == nil {
				continue
			}
			resp, err := fb(ctx, cause)
			if err == nil {
				resp.Degraded = true
				return resp, nil
			}
			if !errors.Is(err, ErrNoFallback) {
				return nil, err
			}
		}
		return nil, ErrNoFallback
	}
}
