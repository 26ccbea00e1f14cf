// Package provider defines the client capability the pipeline consumes.
// Clients own the literal network transport to one backend; everything in
// front of them is provider-agnostic.
package provider

import (
	"context"

	"github.com/modelbridge/gateway/internal/domain"
)

// Params is the provider-neutral call shape handed to a client.
type Params struct {
	BackendModel string
	Request      domain.UniversalRequest
}

// Client creates one complete response per call. Cancellation propagates
// through ctx into the in-flight network call.
type Client interface {
	Provider() domain.Provider
	CreateResponse(ctx context.Context, p Params) (*domain.CompletionResponse, error)
}

// StreamingClient additionally supports genuine server-push streaming.
// Clients that only implement Client get simulated streaming instead.
type StreamingClient interface {
	Client

	// CreateResponseStream emits stream events until the stream ends or ctx
	// is cancelled. The events channel is closed when the stream is done;
	// at most one error is sent on the error channel.
	CreateResponseStream(ctx context.Context, p Params) (<-chan domain.StreamEvent, <-chan error)
}
