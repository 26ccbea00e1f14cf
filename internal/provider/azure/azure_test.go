package azure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/provider"
)

func params(text string) provider.Params {
	return provider.Params{
		BackendModel: "gpt-5",
		Request: domain.UniversalRequest{
			Model:  "gpt-5",
			System: "terse",
			Messages: []domain.Turn{
				{Role: "user", Parts: []domain.Part{{Type: domain.PartText, Text: text}}},
			},
		},
	}
}

func TestCreateResponse(t *testing.T) {
	var gotPath, gotKey string
	var gotBody responsesRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		gotKey = r.Header.Get("api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)

		json.NewEncoder(w).Encode(map[string]any{
			"id":     "resp_1",
			"status": "completed",
			"output": []map[string]any{
				{
					"type":    "message",
					"content": []map[string]any{{"type": "output_text", "text": "hello back"}},
				},
			},
			"usage": map[string]int{"input_tokens": 7, "output_tokens": 3},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", "")
	resp, err := c.CreateResponse(context.Background(), params("hi"))
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	if gotPath != "/openai/responses?api-version="+defaultAPIVersion {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("api-key header = %q", gotKey)
	}
	if gotBody.Model != "gpt-5" || gotBody.Instructions != "terse" {
		t.Errorf("request body = %+v", gotBody)
	}

	if resp.Text != "hello back" {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 7 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.StopReason != "stop" {
		t.Errorf("stop reason = %q", resp.StopReason)
	}
}

func TestCreateResponse_FunctionCallOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "resp_2",
			"status": "completed",
			"output": []map[string]any{
				{"type": "function_call", "call_id": "call_9", "name": "get_weather", "arguments": `{"city":"Lisbon"}`},
			},
			"usage": map[string]int{"input_tokens": 5, "output_tokens": 2},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "")
	resp, err := c.CreateResponse(context.Background(), params("weather?"))
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}

	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "get_weather" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.StopReason != "tool_use" {
		t.Errorf("stop reason = %q, want tool_use", resp.StopReason)
	}
}

func TestCreateResponse_IncompleteMaxTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id":                 "resp_3",
			"status":             "incomplete",
			"incomplete_details": map[string]string{"reason": "max_output_tokens"},
			"output": []map[string]any{
				{"type": "message", "content": []map[string]any{{"type": "output_text", "text": "truncat"}}},
			},
			"usage": map[string]int{"input_tokens": 5, "output_tokens": 2},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "")
	resp, err := c.CreateResponse(context.Background(), params("hi"))
	if err != nil {
		t.Fatalf("CreateResponse: %v", err)
	}
	if resp.StopReason != "length" {
		t.Errorf("stop reason = %q, want length", resp.StopReason)
	}
}

func TestCreateResponse_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "rate_limit_error", "message": "try later", "code": "429"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "")
	_, err := c.CreateResponse(context.Background(), params("hi"))
	if err == nil {
		t.Fatal("expected error")
	}

	var pe *domain.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if pe.Status != 429 || pe.Type != "rate_limit_error" || pe.Message != "try later" {
		t.Errorf("pe = %+v", pe)
	}
	if pe.RetryAfter != 17*time.Second {
		t.Errorf("retry-after = %v, want 17s", pe.RetryAfter)
	}
}

func TestCreateResponseStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`data: {"type":"response.created","response":{"id":"resp_s"}}`,
			`data: {"type":"response.output_text.delta","delta":"hel"}`,
			`data: {"type":"response.output_text.delta","delta":"lo"}`,
			`data: {"type":"response.completed","response":{"id":"resp_s","usage":{"input_tokens":4,"output_tokens":2}}}`,
			`data: [DONE]`,
		}
		for _, f := range frames {
			w.Write([]byte(f + "\n\n"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "")
	events, errs := c.CreateResponseStream(context.Background(), params("hi"))

	var got []domain.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}

	if len(got) != 4 {
		t.Fatalf("events = %d, want 4", len(got))
	}
	if got[0].Type != domain.StreamStart || got[0].MessageID != "resp_s" {
		t.Errorf("start = %+v", got[0])
	}
	if got[1].Text+got[2].Text != "hello" {
		t.Errorf("deltas = %q %q", got[1].Text, got[2].Text)
	}
	last := got[3]
	if last.Type != domain.StreamEnd || last.Usage == nil || last.Usage.OutputTokens != 2 {
		t.Errorf("end = %+v", last)
	}
}

func TestCreateResponseStream_ErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(`data: {"type":"error","error":{"type":"api_error","message":"backend exploded"}}` + "\n\n"))
	}))
	defer srv.Close()

	c := New(srv.URL, "k", "")
	events, errs := c.CreateResponseStream(context.Background(), params("hi"))

	for range events {
	}
	err := <-errs
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *domain.ProviderError
	if !errors.As(err, &pe) || pe.Message != "backend exploded" {
		t.Errorf("err = %v", err)
	}
}

func TestBuildRequest_ToolTurns(t *testing.T) {
	p := provider.Params{
		BackendModel: "gpt-5",
		Request: domain.UniversalRequest{
			Messages: []domain.Turn{
				{Role: "assistant", Parts: []domain.Part{
					{Type: domain.PartToolUse, ToolID: "call_1", ToolName: "get_weather", ToolInput: json.RawMessage(`{"city":"Lisbon"}`)},
				}},
				{Role: "user", Parts: []domain.Part{
					{Type: domain.PartToolResult, ToolID: "call_1", ToolInput: json.RawMessage(`"22C"`)},
				}},
			},
			Tools: []domain.ToolDecl{{Name: "get_weather", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		},
	}

	rr := buildRequest(p, false)

	if len(rr.Input) != 2 {
		t.Fatalf("input items = %d, want 2", len(rr.Input))
	}
	call, ok := rr.Input[0].(functionCallItem)
	if !ok || call.Type != "function_call" || call.Name != "get_weather" {
		t.Errorf("first item = %+v", rr.Input[0])
	}
	out, ok := rr.Input[1].(functionCallItem)
	if !ok || out.Type != "function_call_output" || out.CallID != "call_1" {
		t.Errorf("second item = %+v", rr.Input[1])
	}
	if len(rr.Tools) != 1 || rr.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", rr.Tools)
	}
}
