package router

import "github.com/modelbridge/gateway/internal/domain"

// capabilityTable holds the per-backend-model capability profiles, keyed by
// backend model identifier. Loaded once at router construction.
var capabilityTable = map[string]domain.ModelCapabilities{
	"gpt-5": {
		MaxContextTokens:        272000,
		SupportsStreaming:       true,
		SupportsFunctionCalling: true,
		SupportsImageInput:      true,
		ContentFormats:          []string{"text", "image"},
	},
	"gpt-5-mini": {
		MaxContextTokens:        272000,
		SupportsStreaming:       true,
		SupportsFunctionCalling: true,
		SupportsImageInput:      true,
		ContentFormats:          []string{"text", "image"},
	},
	"gpt-5-nano": {
		MaxContextTokens:        272000,
		SupportsStreaming:       true,
		SupportsFunctionCalling: true,
		SupportsImageInput:      false,
		ContentFormats:          []string{"text"},
	},
	"qwen.qwen3-coder-480b-a35b-v1:0": {
		MaxContextTokens:        131072,
		ExtendedContextTokens:   262144,
		SupportsStreaming:       true,
		SupportsFunctionCalling: false,
		SupportsImageInput:      false,
		ContentFormats:          []string{"text"},
	},
}

// defaultCapabilities is the fallback profile for backend models missing
// from the table: 128K context, streaming on, no function calling or image
// input. Unknown models are assumed streamable but otherwise minimal.
var defaultCapabilities = domain.ModelCapabilities{
	MaxContextTokens:  131072,
	SupportsStreaming: true,
	ContentFormats:    []string{"text"},
}

// Capabilities returns the profile for a backend model id, falling back to
// the documented default for unknown ids.
func Capabilities(backendModel string) domain.ModelCapabilities {
	if caps, ok := capabilityTable[backendModel]; ok {
		return caps
	}
	return defaultCapabilities
}
