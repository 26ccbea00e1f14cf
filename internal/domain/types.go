package domain

import (
	"encoding/json"
	"time"
)

// Dialect identifies which client-facing wire vocabulary a request arrived in.
// It is the single discriminant downstream components branch on; nothing after
// the normalizer re-probes the raw body.
type Dialect string

const (
	DialectClaude Dialect = "claude"
	DialectOpenAI Dialect = "openai"
)

// Provider identifies a backend model-serving provider.
type Provider string

const (
	ProviderAzure   Provider = "azure"
	ProviderBedrock Provider = "bedrock"
)

// UniversalRequest is the canonical, dialect-neutral chat-completion request.
// It is built once by the normalizer and never mutated afterwards.
type UniversalRequest struct {
	Model       string
	System      string
	Messages    []Turn
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	Stop        []string
	Stream      bool
	Tools       []ToolDecl
	Dialect     Dialect
}

// Turn is one role-tagged message in the conversation.
type Turn struct {
	Role  string
	Parts []Part
}

// Text returns the concatenated plain-text content of a turn.
func (t Turn) Text() string {
	var s string
	for _, p := range t.Parts {
		if p.Type == PartText {
			s += p.Text
		}
	}
	return s
}

// PartType discriminates the content carried by a Part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolUse    PartType = "tool_use"
	PartToolResult PartType = "tool_result"
	PartImage      PartType = "image"
)

// Part is a single unit of message content: plain text, a tool call,
// a tool result, or an image reference.
type Part struct {
	Type PartType

	Text string

	ToolID    string
	ToolName  string
	ToolInput json.RawMessage

	MediaType string
	ImageData string
}

// ToolDecl declares a tool/function the model may call.
type ToolDecl struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ModelCapabilities describes what a backend model supports.
// Loaded once into the router's table; read-only afterwards.
type ModelCapabilities struct {
	MaxContextTokens        int      `json:"max_context_tokens"`
	ExtendedContextTokens   int      `json:"extended_context_tokens,omitempty"`
	SupportsStreaming       bool     `json:"supports_streaming"`
	SupportsFunctionCalling bool     `json:"supports_function_calling"`
	SupportsImageInput      bool     `json:"supports_image_input"`
	ContentFormats          []string `json:"content_formats,omitempty"`
}

// RoutingDecision is the resolved (provider, backend model) pair for a
// requested model identifier. Produced per request, never persisted.
type RoutingDecision struct {
	RequestedModel string
	Provider       Provider
	BackendModel   string
	Supported      bool
}

// Usage carries token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// ToolCall is a tool invocation emitted by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// CompletionResponse is the provider-neutral result of one completion call.
type CompletionResponse struct {
	ID         string
	Model      string
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage

	// Degraded marks a fallback-substituted result so callers and
	// telemetry can tell it from a genuine provider success.
	Degraded bool
}

// StreamEventType discriminates stream events.
type StreamEventType string

const (
	StreamStart StreamEventType = "start"
	StreamDelta StreamEventType = "delta"
	StreamEnd   StreamEventType = "end"
	StreamError StreamEventType = "error"
)

// StreamEvent is one unit of an incremental completion. For any stream,
// exactly one StreamStart precedes all deltas and exactly one terminal
// event (StreamEnd or StreamError, never both) follows them.
type StreamEvent struct {
	Type      StreamEventType
	MessageID string
	Model     string
	Index     int
	Text      string
	Usage     *Usage
	Err       error
}

// ExecutionResult is the outcome of one resilient call.
type ExecutionResult[T any] struct {
	Value    T
	Err      error
	Attempts int
	Elapsed  time.Duration
	Degraded bool
}

func (r ExecutionResult[T]) Success() bool { return r.Err == nil }
