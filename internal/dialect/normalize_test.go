package dialect

import (
	"fmt"
	"strings"
	"testing"

	"github.com/modelbridge/gateway/internal/domain"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		body string
		want domain.Dialect
	}{
		{
			"openai max_completion_tokens",
			`{"model":"gpt-5","max_completion_tokens":100,"messages":[{"role":"user","content":"hi"}]}`,
			domain.DialectOpenAI,
		},
		{
			"openai n parameter",
			`{"model":"gpt-5","n":1,"messages":[{"role":"user","content":"hi"}]}`,
			domain.DialectOpenAI,
		},
		{
			"openai response_format",
			`{"model":"gpt-5","response_format":{"type":"json_object"},"messages":[{"role":"user","content":"hi"}]}`,
			domain.DialectOpenAI,
		},
		{
			"claude anthropic_version",
			`{"model":"gpt-5","anthropic_version":"bedrock-2023-05-31","messages":[{"role":"user","content":"hi"}]}`,
			domain.DialectClaude,
		},
		{
			"claude top-level system",
			`{"model":"gpt-5","system":"be terse","messages":[{"role":"user","content":"hi"}]}`,
			domain.DialectClaude,
		},
		{
			"claude block array content",
			`{"model":"gpt-5","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`,
			domain.DialectClaude,
		},
		{
			"claude max_tokens with plain messages",
			`{"model":"gpt-5","max_tokens":256,"messages":[{"role":"user","content":"hi"}]}`,
			domain.DialectClaude,
		},
		{
			"openai plain messages",
			`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`,
			domain.DialectOpenAI,
		},
		{
			"openai system role message stays openai",
			`{"model":"gpt-5","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}]}`,
			domain.DialectOpenAI,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect([]byte(tt.body))
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got != tt.want {
				t.Errorf("Detect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetect_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"model":`},
		{"no markers", `{"model":"gpt-5"}`},
		{"empty object", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Detect([]byte(tt.body)); err == nil {
				t.Error("expected error")
			} else if domain.KindOf(err) != domain.KindValidation {
				t.Errorf("expected validation kind, got %v", domain.KindOf(err))
			}
		})
	}
}

func TestNormalize_Claude(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"system": "You are terse.",
		"max_tokens": 512,
		"temperature": 0.7,
		"stop_sequences": ["END"],
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type": "text", "text": "hi there"}]}
		]
	}`

	req, err := Normalize([]byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if req.Dialect != domain.DialectClaude {
		t.Errorf("dialect = %v, want claude", req.Dialect)
	}
	if req.Model != "claude-sonnet" {
		t.Errorf("model = %q", req.Model)
	}
	if req.System != "You are terse." {
		t.Errorf("system = %q", req.System)
	}
	if req.MaxTokens == nil || *req.MaxTokens != 512 {
		t.Errorf("max tokens = %v, want 512", req.MaxTokens)
	}
	if req.Temperature == nil || *req.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", req.Temperature)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop = %v", req.Stop)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(req.Messages))
	}
	if req.Messages[1].Text() != "hi there" {
		t.Errorf("assistant text = %q", req.Messages[1].Text())
	}
}

func TestNormalize_ClaudeSystemBlocks(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"system": [{"type":"text","text":"part one. "},{"type":"text","text":"part two."}],
		"max_tokens": 10,
		"messages": [{"role":"user","content":"hi"}]
	}`

	req, err := Normalize([]byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.System != "part one. part two." {
		t.Errorf("system = %q", req.System)
	}
}

func TestNormalize_ClaudeToolBlocks(t *testing.T) {
	body := `{
		"model": "claude-sonnet",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": [{"type": "tool_use", "id": "tu_1", "name": "get_weather", "input": {"city": "Lisbon"}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "tu_1", "content": "22C"}]}
		],
		"tools": [{"name": "get_weather", "description": "Current weather", "input_schema": {"type": "object"}}]
	}`

	req, err := Normalize([]byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if len(req.Tools) != 1 || req.Tools[0].Name != "get_weather" {
		t.Fatalf("tools = %+v", req.Tools)
	}
	use := req.Messages[1].Parts[0]
	if use.Type != domain.PartToolUse || use.ToolID != "tu_1" || use.ToolName != "get_weather" {
		t.Errorf("tool_use part = %+v", use)
	}
	result := req.Messages[2].Parts[0]
	if result.Type != domain.PartToolResult || result.ToolID != "tu_1" {
		t.Errorf("tool_result part = %+v", result)
	}
}

func TestNormalize_OpenAI(t *testing.T) {
	body := `{
		"model": "gpt-5",
		"max_completion_tokens": 200,
		"max_tokens": 999,
		"stop": "END",
		"messages": [
			{"role": "system", "content": "You are terse."},
			{"role": "user", "content": "hello"}
		]
	}`

	req, err := Normalize([]byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if req.Dialect != domain.DialectOpenAI {
		t.Errorf("dialect = %v, want openai", req.Dialect)
	}
	if req.System != "You are terse." {
		t.Errorf("system role must lift into the system field, got %q", req.System)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("system message must not remain in messages, got %d turns", len(req.Messages))
	}
	if req.MaxTokens == nil || *req.MaxTokens != 200 {
		t.Errorf("max_completion_tokens must win over max_tokens, got %v", req.MaxTokens)
	}
	if len(req.Stop) != 1 || req.Stop[0] != "END" {
		t.Errorf("stop = %v", req.Stop)
	}
}

func TestNormalize_OpenAIToolCalls(t *testing.T) {
	body := `{
		"model": "gpt-5",
		"messages": [
			{"role": "user", "content": "weather?"},
			{"role": "assistant", "content": null, "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":\"Lisbon\"}"}}]},
			{"role": "tool", "tool_call_id": "call_1", "content": "22C"}
		],
		"tools": [{"type": "function", "function": {"name": "get_weather", "parameters": {"type": "object"}}}]
	}`

	req, err := Normalize([]byte(body))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	use := req.Messages[1].Parts[0]
	if use.Type != domain.PartToolUse || use.ToolName != "get_weather" {
		t.Errorf("tool call part = %+v", use)
	}
	result := req.Messages[2].Parts[0]
	if result.Type != domain.PartToolResult || result.ToolID != "call_1" {
		t.Errorf("tool result part = %+v", result)
	}
}

func TestNormalize_EquivalentBodiesConverge(t *testing.T) {
	claude := `{"model":"gpt-5","system":"terse","max_tokens":64,"messages":[{"role":"user","content":"hello"}]}`
	openai := `{"model":"gpt-5","max_completion_tokens":64,"messages":[{"role":"system","content":"terse"},{"role":"user","content":"hello"}]}`

	a, err := Normalize([]byte(claude))
	if err != nil {
		t.Fatalf("claude: %v", err)
	}
	b, err := Normalize([]byte(openai))
	if err != nil {
		t.Fatalf("openai: %v", err)
	}

	if a.Model != b.Model || a.System != b.System || *a.MaxTokens != *b.MaxTokens {
		t.Errorf("core fields diverge: %+v vs %+v", a, b)
	}
	if a.Messages[0].Text() != b.Messages[0].Text() {
		t.Errorf("message text diverges: %q vs %q", a.Messages[0].Text(), b.Messages[0].Text())
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing model", `{"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"empty messages", `{"model":"gpt-5","max_tokens":10,"messages":[],"system":"x"}`, "messages"},
		{"script tag", `{"model":"gpt-5","messages":[{"role":"user","content":"<script>alert(1)</script>"}]}`, "messages"},
		{"javascript scheme", `{"model":"gpt-5","messages":[{"role":"user","content":"click javascript:void(0)"}]}`, "messages"},
		{"blocked system", `{"model":"gpt-5","system":"<SCRIPT>","max_tokens":5,"messages":[{"role":"user","content":"hi"}]}`, "system"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			de, ok := domain.AsError(err)
			if !ok || de.Kind != domain.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			if de.Field != tt.field {
				t.Errorf("field = %q, want %q", de.Field, tt.field)
			}
		})
	}
}

func TestValidate_TooManyMessages(t *testing.T) {
	var sb strings.Builder
	sb.WriteString(`{"model":"gpt-5","messages":[`)
	for i := 0; i < maxMessages+1; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"role":"user","content":"m%d"}`, i)
	}
	sb.WriteString(`]}`)

	_, err := Normalize([]byte(sb.String()))
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.KindOf(err) != domain.KindValidation {
		t.Errorf("expected validation kind, got %v", domain.KindOf(err))
	}
}
