package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind is the provider-agnostic error taxonomy. Every failure surfaced
// to a caller is classified into exactly one kind before rendering.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindAuthentication     ErrorKind = "authentication"
	KindRateLimit          ErrorKind = "rate_limit"
	KindServiceUnavailable ErrorKind = "service_unavailable"
	KindNetwork            ErrorKind = "network"
	KindTimeout            ErrorKind = "timeout"
	KindInternal           ErrorKind = "internal"
)

// HTTPStatus returns the status code a kind renders with.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindServiceUnavailable, KindNetwork:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is the internal classified error carried through the pipeline.
// It wraps the underlying cause so server-side logs keep full detail while
// the rendered envelope exposes only Message.
type Error struct {
	Kind          ErrorKind
	Message       string
	Field         string
	CorrelationID string
	RetryAfter    time.Duration
	cause         error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Kind, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCorrelation returns a copy carrying the given correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	cp := *e
	cp.CorrelationID = id
	return &cp
}

// NewError builds a classified error wrapping an optional cause.
func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Validationf builds a validation error naming the offending field.
func Validationf(field, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...), Field: field}
}

// KindOf classifies an arbitrary error: the kind of the innermost *Error on
// the chain, KindInternal otherwise.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// AsError extracts the classified error from a chain, if present.
func AsError(err error) (*Error, bool) {
	var de *Error
	ok := errors.As(err, &de)
	return de, ok
}

// ErrCircuitBreakerOpen is returned by the breaker when it is open and the
// provider is not contacted at all.
var ErrCircuitBreakerOpen = NewError(KindServiceUnavailable, "circuit breaker open", nil)
