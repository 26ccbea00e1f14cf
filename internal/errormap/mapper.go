// Package errormap classifies any failure from any pipeline stage into the
// internal error taxonomy and renders it into the caller's dialect. Both
// steps are total: every error becomes exactly one kind, and every kind has
// a rendering in both dialects.
package errormap

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

const (
	defaultRateLimitRetryAfter = 60 * time.Second
	defaultOverloadRetryAfter  = 300 * time.Second
)

var networkSubstrings = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"broken pipe",
	"network is unreachable",
	"tls handshake",
}

// Classify maps an arbitrary error onto the internal taxonomy. Already
// classified errors pass through unchanged; unknown errors become a generic
// Internal error that exposes no detail to the caller.
func Classify(err error) *domain.Error {
	if err == nil {
		return nil
	}

	if de, ok := domain.AsError(err); ok {
		return de
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		return classifyProvider(pe)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout, "request to the upstream provider timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewError(domain.KindTimeout, "request to the upstream provider timed out", err)
	}

	msg := strings.ToLower(err.Error())
	for _, s := range networkSubstrings {
		if strings.Contains(msg, s) {
			return domain.NewError(domain.KindNetwork, "failed to reach the upstream provider", err)
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.NewError(domain.KindNetwork, "failed to reach the upstream provider", err)
	}

	return domain.NewError(domain.KindInternal, "an unexpected error occurred", err)
}

func classifyProvider(pe *domain.ProviderError) *domain.Error {
	switch pe.Type {
	case "invalid_request_error":
		return domain.NewError(domain.KindValidation, pe.Message, pe)
	case "authentication_error", "permission_error":
		return domain.NewError(domain.KindAuthentication, pe.Message, pe)
	case "rate_limit_error":
		return withRetryAfter(domain.NewError(domain.KindRateLimit, pe.Message, pe), pe.RetryAfter, defaultRateLimitRetryAfter)
	case "api_error", "overloaded_error":
		return withRetryAfter(domain.NewError(domain.KindServiceUnavailable, pe.Message, pe), pe.RetryAfter, defaultOverloadRetryAfter)
	case "not_found_error":
		e := domain.Validationf("model", "%s", pe.Message)
		return e
	}

	switch {
	case pe.Status == 400:
		return domain.NewError(domain.KindValidation, pe.Message, pe)
	case pe.Status == 401 || pe.Status == 403:
		return domain.NewError(domain.KindAuthentication, pe.Message, pe)
	case pe.Status == 404:
		return domain.Validationf("model", "%s", pe.Message)
	case pe.Status == 429:
		return withRetryAfter(domain.NewError(domain.KindRateLimit, pe.Message, pe), pe.RetryAfter, defaultRateLimitRetryAfter)
	case pe.Status >= 500:
		return withRetryAfter(domain.NewError(domain.KindServiceUnavailable, pe.Message, pe), pe.RetryAfter, defaultOverloadRetryAfter)
	}

	return domain.NewError(domain.KindInternal, "upstream provider request failed", pe)
}

func withRetryAfter(e *domain.Error, provided, fallback time.Duration) *domain.Error {
	if provided > 0 {
		e.RetryAfter = provided
	} else {
		e.RetryAfter = fallback
	}
	return e
}

var claudeErrorTypes = map[domain.ErrorKind]string{
	domain.KindValidation:         "invalid_request_error",
	domain.KindAuthentication:     "authentication_error",
	domain.KindRateLimit:          "rate_limit_error",
	domain.KindServiceUnavailable: "overloaded_error",
	domain.KindNetwork:            "api_error",
	domain.KindTimeout:            "api_error",
	domain.KindInternal:           "api_error",
}

var openaiErrorTypes = map[domain.ErrorKind]string{
	domain.KindValidation:         "invalid_request_error",
	domain.KindAuthentication:     "authentication_error",
	domain.KindRateLimit:          "rate_limit_exceeded",
	domain.KindServiceUnavailable: "service_unavailable",
	domain.KindNetwork:            "api_connection_error",
	domain.KindTimeout:            "timeout",
	domain.KindInternal:           "api_error",
}

// Render classifies err and produces the HTTP status plus the dialect's
// error envelope. It never fails: a panic inside rendering yields the fixed
// generic envelope instead of crashing the request.
func Render(d domain.Dialect, err error, correlationID string) (status int, body any) {
	defer func() {
		if r := recover(); r != nil {
			status, body = genericEnvelope(d)
		}
	}()

	de := Classify(err)
	if de == nil {
		de = domain.NewError(domain.KindInternal, "an unexpected error occurred", nil)
	}
	de = de.WithCorrelation(correlationID)

	message := de.Message
	if de.Kind == domain.KindInternal {
		message = "an unexpected error occurred"
	}
	if correlationID != "" {
		message = message + " (request id: " + correlationID + ")"
	}

	if d == domain.DialectClaude {
		return de.Kind.HTTPStatus(), map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    claudeErrorTypes[de.Kind],
				"message": message,
			},
		}
	}

	var code any
	if de.Field != "" {
		code = de.Field
	}
	return de.Kind.HTTPStatus(), map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    openaiErrorTypes[de.Kind],
			"code":    code,
		},
	}
}

// RetryAfter extracts the retry hint from a classified error, zero if none.
func RetryAfter(err error) time.Duration {
	if de, ok := domain.AsError(err); ok {
		return de.RetryAfter
	}
	return 0
}

func genericEnvelope(d domain.Dialect) (int, any) {
	if d == domain.DialectClaude {
		return 500, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "api_error", "message": "an unexpected error occurred"},
		}
	}
	return 500, map[string]any{
		"error": map[string]any{"message": "an unexpected error occurred", "type": "api_error", "code": nil},
	}
}
