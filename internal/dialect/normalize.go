// Package dialect detects which client wire protocol an inbound body uses
// (Claude-style Messages or OpenAI-style Chat Completions), normalizes it
// into the canonical request, and frames responses and stream events back
// into the caller's protocol.
package dialect

import (
	"encoding/json"
	"strings"

	"github.com/modelbridge/gateway/internal/domain"
)

const (
	maxMessages     = 500
	maxContentBytes = 4 << 20
)

// Patterns rejected anywhere in message content. The gateway forwards user
// text verbatim to providers, so obvious script injection is refused at the
// edge rather than sanitized.
var blockedPatterns = []string{
	"<script",
	"javascript:",
	"vbscript:",
	"data:text/html",
}

type probe struct {
	Model               string            `json:"model"`
	Messages            []json.RawMessage `json:"messages"`
	MaxTokens           *int              `json:"max_tokens"`
	MaxCompletionTokens *int              `json:"max_completion_tokens"`
	System              json.RawMessage   `json:"system"`
	AnthropicVersion    string            `json:"anthropic_version"`
	N                   *int              `json:"n"`
	ResponseFormat      json.RawMessage   `json:"response_format"`
}

// Detect identifies the dialect of a raw request body by its structural
// markers. It does not validate the body beyond what detection needs.
func Detect(raw []byte) (domain.Dialect, error) {
	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", domain.NewError(domain.KindValidation, "request body is not valid JSON", err)
	}

	if p.MaxCompletionTokens != nil || p.N != nil || len(p.ResponseFormat) > 0 {
		return domain.DialectOpenAI, nil
	}
	if p.AnthropicVersion != "" || len(p.System) > 0 || firstContentIsBlockArray(p.Messages) {
		return domain.DialectClaude, nil
	}
	if p.MaxTokens != nil && len(p.Messages) > 0 {
		return domain.DialectClaude, nil
	}
	if len(p.Messages) > 0 {
		return domain.DialectOpenAI, nil
	}

	return "", domain.Validationf("messages", "request matches neither the Claude nor the OpenAI chat completion format")
}

func firstContentIsBlockArray(messages []json.RawMessage) bool {
	for _, m := range messages {
		var msg struct {
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(m, &msg); err != nil {
			return false
		}
		trimmed := strings.TrimLeft(string(msg.Content), " \t\r\n")
		return strings.HasPrefix(trimmed, "[")
	}
	return false
}

// Normalize detects the dialect and builds the canonical request. It is pure:
// the same input always yields the same result and no state is touched.
func Normalize(raw []byte) (domain.UniversalRequest, error) {
	d, err := Detect(raw)
	if err != nil {
		return domain.UniversalRequest{}, err
	}

	var req domain.UniversalRequest
	switch d {
	case domain.DialectClaude:
		req, err = parseClaude(raw)
	case domain.DialectOpenAI:
		req, err = parseOpenAI(raw)
	}
	if err != nil {
		return domain.UniversalRequest{}, err
	}

	if err := validate(req); err != nil {
		return domain.UniversalRequest{}, err
	}
	return req, nil
}

func validate(req domain.UniversalRequest) error {
	if req.Model == "" {
		return domain.Validationf("model", "model is required")
	}
	if len(req.Messages) == 0 {
		return domain.Validationf("messages", "at least one message is required")
	}
	if len(req.Messages) > maxMessages {
		return domain.Validationf("messages", "too many messages: %d exceeds the limit of %d", len(req.Messages), maxMessages)
	}

	total := len(req.System)
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			total += len(p.Text) + len(p.ImageData) + len(p.ToolInput)
			if blocked := blockedPattern(p.Text); blocked != "" {
				return domain.Validationf("messages", "content contains disallowed pattern %q", blocked)
			}
		}
	}
	if blocked := blockedPattern(req.System); blocked != "" {
		return domain.Validationf("system", "content contains disallowed pattern %q", blocked)
	}
	if total > maxContentBytes {
		return domain.Validationf("messages", "total content size %d exceeds the limit of %d bytes", total, maxContentBytes)
	}
	return nil
}

func blockedPattern(s string) string {
	lower := strings.ToLower(s)
	for _, pat := range blockedPatterns {
		if strings.Contains(lower, pat) {
			return pat
		}
	}
	return ""
}
