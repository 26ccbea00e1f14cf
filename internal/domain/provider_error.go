package domain

import (
	"fmt"
	"time"
)

// ProviderError is a provider-native error envelope, decoded by a provider
// client from a non-2xx response body. The error mapper translates its type
// vocabulary into the internal taxonomy.
type ProviderError struct {
	Provider   Provider
	Status     int
	Type       string
	Message    string
	Code       string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error: status=%d type=%s message=%s", e.Provider, e.Status, e.Type, e.Message)
}
