package dialect

import "github.com/modelbridge/gateway/internal/domain"

// StreamEncoder turns stream events into complete SSE frames in one dialect.
// Encoders are stateful and serve exactly one stream each.
type StreamEncoder interface {
	// Encode returns zero or more complete SSE frames for one event.
	Encode(ev domain.StreamEvent) [][]byte
	// Done returns the trailing frames emitted after a successful end event.
	Done() [][]byte
}

// NewStreamEncoder returns a fresh encoder for the given dialect.
func NewStreamEncoder(d domain.Dialect) StreamEncoder {
	if d == domain.DialectClaude {
		return &claudeStreamEncoder{}
	}
	return &openaiStreamEncoder{}
}

// RenderResponse frames a completion in the given dialect.
func RenderResponse(d domain.Dialect, resp *domain.CompletionResponse) any {
	if d == domain.DialectClaude {
		return RenderClaudeResponse(resp)
	}
	return RenderOpenAIResponse(resp)
}
