package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/modelbridge/gateway/internal/domain"
)

type claudeRequest struct {
	Model         string          `json:"model"`
	System        json.RawMessage `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string             `json:"type"`
	Text      string             `json:"text,omitempty"`
	ID        string             `json:"id,omitempty"`
	Name      string             `json:"name,omitempty"`
	Input     json.RawMessage    `json:"input,omitempty"`
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   json.RawMessage    `json:"content,omitempty"`
	Source    *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

func parseClaude(raw []byte) (domain.UniversalRequest, error) {
	var cr claudeRequest
	if err := json.Unmarshal(raw, &cr); err != nil {
		return domain.UniversalRequest{}, domain.NewError(domain.KindValidation, "malformed Claude messages request", err)
	}

	system, err := parseClaudeSystem(cr.System)
	if err != nil {
		return domain.UniversalRequest{}, err
	}

	messages := make([]domain.Turn, 0, len(cr.Messages))
	for i, m := range cr.Messages {
		parts, err := parseClaudeContent(m.Content)
		if err != nil {
			return domain.UniversalRequest{}, domain.Validationf("messages", "message %d: %v", i, err)
		}
		messages = append(messages, domain.Turn{Role: m.Role, Parts: parts})
	}

	tools := make([]domain.ToolDecl, 0, len(cr.Tools))
	for _, t := range cr.Tools {
		tools = append(tools, domain.ToolDecl{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	return domain.UniversalRequest{
		Model:       cr.Model,
		System:      system,
		Messages:    messages,
		Temperature: cr.Temperature,
		TopP:        cr.TopP,
		MaxTokens:   cr.MaxTokens,
		Stop:        cr.StopSequences,
		Stream:      cr.Stream,
		Tools:       tools,
		Dialect:     domain.DialectClaude,
	}, nil
}

// System may be a plain string or an array of text blocks.
func parseClaudeSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", domain.Validationf("system", "system must be a string or an array of text blocks")
	}
	var out string
	for _, b := range blocks {
		out += b.Text
	}
	return out, nil
}

// Content may be a plain string or an array of typed blocks.
func parseClaudeContent(raw json.RawMessage) ([]domain.Part, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []domain.Part{{Type: domain.PartText, Text: s}}, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of content blocks")
	}

	parts := make([]domain.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, domain.Part{Type: domain.PartText, Text: b.Text})
		case "tool_use":
			parts = append(parts, domain.Part{Type: domain.PartToolUse, ToolID: b.ID, ToolName: b.Name, ToolInput: b.Input})
		case "tool_result":
			parts = append(parts, domain.Part{Type: domain.PartToolResult, ToolID: b.ToolUseID, ToolInput: b.Content})
		case "image":
			if b.Source == nil {
				return nil, fmt.Errorf("image block has no source")
			}
			parts = append(parts, domain.Part{Type: domain.PartImage, MediaType: b.Source.MediaType, ImageData: b.Source.Data})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}
	return parts, nil
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Role       string        `json:"role"`
	Model      string        `json:"model"`
	Content    []claudeBlock `json:"content"`
	StopReason string        `json:"stop_reason"`
	Usage      claudeUsage   `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// RenderClaudeResponse frames a completion in the Claude messages shape.
func RenderClaudeResponse(resp *domain.CompletionResponse) any {
	content := []claudeBlock{}
	if resp.Text != "" {
		content = append(content, claudeBlock{Type: "text", Text: resp.Text})
	}
	for _, tc := range resp.ToolCalls {
		content = append(content, claudeBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}

	return claudeResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    content,
		StopReason: claudeStopReason(resp.StopReason),
		Usage: claudeUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
}

func claudeStopReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "tool_use":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// claudeStreamEncoder frames stream events as Anthropic-style named SSE
// events: message_start, content_block_start, content_block_delta,
// content_block_stop, message_delta, message_stop.
type claudeStreamEncoder struct {
	messageID string
	model     string
	opened    bool
}

func (e *claudeStreamEncoder) Encode(ev domain.StreamEvent) [][]byte {
	switch ev.Type {
	case domain.StreamStart:
		e.messageID = ev.MessageID
		e.model = ev.Model
		return [][]byte{
			namedFrame("message_start", map[string]any{
				"type": "message_start",
				"message": map[string]any{
					"id":      ev.MessageID,
					"type":    "message",
					"role":    "assistant",
					"model":   ev.Model,
					"content": []any{},
					"usage":   map[string]int{"input_tokens": 0, "output_tokens": 0},
				},
			}),
		}
	case domain.StreamDelta:
		var frames [][]byte
		if !e.opened {
			e.opened = true
			frames = append(frames, namedFrame("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         0,
				"content_block": map[string]string{"type": "text", "text": ""},
			}))
		}
		frames = append(frames, namedFrame("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]string{"type": "text_delta", "text": ev.Text},
		}))
		return frames
	case domain.StreamEnd:
		var frames [][]byte
		if e.opened {
			frames = append(frames, namedFrame("content_block_stop", map[string]any{
				"type":  "content_block_stop",
				"index": 0,
			}))
		}
		usage := map[string]int{"output_tokens": 0}
		if ev.Usage != nil {
			usage["output_tokens"] = ev.Usage.OutputTokens
		}
		frames = append(frames,
			namedFrame("message_delta", map[string]any{
				"type":  "message_delta",
				"delta": map[string]any{"stop_reason": "end_turn", "stop_sequence": nil},
				"usage": usage,
			}),
			namedFrame("message_stop", map[string]any{"type": "message_stop"}),
		)
		return frames
	case domain.StreamError:
		msg := "stream failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return [][]byte{
			namedFrame("error", map[string]any{
				"type":  "error",
				"error": map[string]string{"type": "api_error", "message": msg},
			}),
		}
	}
	return nil
}

func (e *claudeStreamEncoder) Done() [][]byte { return nil }

func namedFrame(event string, payload any) []byte {
	data, _ := json.Marshal(payload)
	return []byte("event: " + event + "\ndata: " + string(data) + "\n\n")
}
