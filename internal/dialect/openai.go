package dialect

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
)

type openaiRequest struct {
	Model               string          `json:"model"`
	Messages            []openaiMessage `json:"messages"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64        `json:"temperature,omitempty"`
	TopP                *float64        `json:"top_p,omitempty"`
	Stop                json.RawMessage `json:"stop,omitempty"`
	Stream              bool            `json:"stream,omitempty"`
	Tools               []openaiTool    `json:"tools,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func parseOpenAI(raw []byte) (domain.UniversalRequest, error) {
	var or openaiRequest
	if err := json.Unmarshal(raw, &or); err != nil {
		return domain.UniversalRequest{}, domain.NewError(domain.KindValidation, "malformed OpenAI chat completion request", err)
	}

	var system string
	messages := make([]domain.Turn, 0, len(or.Messages))
	for i, m := range or.Messages {
		if m.Role == "system" || m.Role == "developer" {
			var s string
			if err := json.Unmarshal(m.Content, &s); err == nil {
				system = s
				continue
			}
		}
		parts, err := parseOpenAIContent(m)
		if err != nil {
			return domain.UniversalRequest{}, domain.Validationf("messages", "message %d: %v", i, err)
		}
		messages = append(messages, domain.Turn{Role: m.Role, Parts: parts})
	}

	maxTokens := or.MaxCompletionTokens
	if maxTokens == nil {
		maxTokens = or.MaxTokens
	}

	stop, err := parseOpenAIStop(or.Stop)
	if err != nil {
		return domain.UniversalRequest{}, err
	}

	tools := make([]domain.ToolDecl, 0, len(or.Tools))
	for _, t := range or.Tools {
		tools = append(tools, domain.ToolDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	return domain.UniversalRequest{
		Model:       or.Model,
		System:      system,
		Messages:    messages,
		Temperature: or.Temperature,
		TopP:        or.TopP,
		MaxTokens:   maxTokens,
		Stop:        stop,
		Stream:      or.Stream,
		Tools:       tools,
		Dialect:     domain.DialectOpenAI,
	}, nil
}

// Content is a plain string, null (tool-call turns), or an array of typed
// parts (text / image_url).
func parseOpenAIContent(m openaiMessage) ([]domain.Part, error) {
	var parts []domain.Part

	for _, tc := range m.ToolCalls {
		parts = append(parts, domain.Part{
			Type:      domain.PartToolUse,
			ToolID:    tc.ID,
			ToolName:  tc.Function.Name,
			ToolInput: json.RawMessage(tc.Function.Arguments),
		})
	}

	if m.Role == "tool" {
		var s string
		if err := json.Unmarshal(m.Content, &s); err != nil {
			return nil, fmt.Errorf("tool message content must be a string")
		}
		return append(parts, domain.Part{Type: domain.PartToolResult, ToolID: m.ToolCallID, ToolInput: json.RawMessage(s)}), nil
	}

	if len(m.Content) == 0 || string(m.Content) == "null" {
		return parts, nil
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return append(parts, domain.Part{Type: domain.PartText, Text: s}), nil
	}

	var typed []openaiContentPart
	if err := json.Unmarshal(m.Content, &typed); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of content parts")
	}
	for _, p := range typed {
		switch p.Type {
		case "text":
			parts = append(parts, domain.Part{Type: domain.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return nil, fmt.Errorf("image_url part has no url")
			}
			parts = append(parts, domain.Part{Type: domain.PartImage, ImageData: p.ImageURL.URL})
		default:
			return nil, fmt.Errorf("unsupported content part type %q", p.Type)
		}
	}
	return parts, nil
}

// Stop is a plain string or an array of strings.
func parseOpenAIStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, domain.Validationf("stop", "stop must be a string or an array of strings")
	}
	return list, nil
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Index        int                `json:"index"`
	Message      *openaiRespMessage `json:"message,omitempty"`
	Delta        *openaiDelta       `json:"delta,omitempty"`
	FinishReason *string            `json:"finish_reason"`
}

type openaiRespMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RenderOpenAIResponse frames a completion in the OpenAI chat completion shape.
func RenderOpenAIResponse(resp *domain.CompletionResponse) any {
	finish := openaiFinishReason(resp.StopReason)

	msg := &openaiRespMessage{Role: "assistant"}
	if resp.Text != "" || len(resp.ToolCalls) == 0 {
		text := resp.Text
		msg.Content = &text
	}
	for _, tc := range resp.ToolCalls {
		call := openaiToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Name
		call.Function.Arguments = string(tc.Input)
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	return openaiResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openaiChoice{{Index: 0, Message: msg, FinishReason: &finish}},
		Usage: openaiUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.Total(),
		},
	}
}

func openaiFinishReason(reason string) string {
	switch reason {
	case "length":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// openaiStreamEncoder frames stream events as chat.completion.chunk objects
// terminated by the [DONE] sentinel.
type openaiStreamEncoder struct {
	messageID string
	model     string
	created   int64
}

func (e *openaiStreamEncoder) chunk(delta *openaiDelta, finish *string, usage *openaiUsage) []byte {
	payload := map[string]any{
		"id":      e.messageID,
		"object":  "chat.completion.chunk",
		"created": e.created,
		"model":   e.model,
		"choices": []openaiChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	if usage != nil {
		payload["usage"] = usage
	}
	data, _ := json.Marshal(payload)
	return []byte("data: " + string(data) + "\n\n")
}

func (e *openaiStreamEncoder) Encode(ev domain.StreamEvent) [][]byte {
	switch ev.Type {
	case domain.StreamStart:
		e.messageID = ev.MessageID
		e.model = ev.Model
		e.created = time.Now().Unix()
		return [][]byte{e.chunk(&openaiDelta{Role: "assistant"}, nil, nil)}
	case domain.StreamDelta:
		return [][]byte{e.chunk(&openaiDelta{Content: ev.Text}, nil, nil)}
	case domain.StreamEnd:
		finish := "stop"
		var usage *openaiUsage
		if ev.Usage != nil {
			usage = &openaiUsage{
				PromptTokens:     ev.Usage.InputTokens,
				CompletionTokens: ev.Usage.OutputTokens,
				TotalTokens:      ev.Usage.Total(),
			}
		}
		return [][]byte{e.chunk(&openaiDelta{}, &finish, usage)}
	case domain.StreamError:
		msg := "stream failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		data, _ := json.Marshal(map[string]any{
			"error": map[string]string{"message": msg, "type": "api_error"},
		})
		return [][]byte{[]byte("data: " + string(data) + "\n\n")}
	}
	return nil
}

func (e *openaiStreamEncoder) Done() [][]byte {
	return [][]byte{[]byte("data: [DONE]\n\n")}
}
