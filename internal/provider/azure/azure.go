// Package azure implements the provider client for an Azure-hosted
// Responses endpoint.
package azure

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/httputil"
	"github.com/modelbridge/gateway/internal/provider"
)

const defaultAPIVersion = "2025-04-01-preview"

type Client struct {
	endpoint   string
	apiKey     string
	apiVersion string
	client     *http.Client
}

func New(endpoint, apiKey, apiVersion string) *Client {
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		apiVersion: apiVersion,
		client:     httputil.DefaultClient(),
	}
}

func (c *Client) Provider() domain.Provider { return domain.ProviderAzure }

func (c *Client) url() string {
	return c.endpoint + "/openai/responses?api-version=" + c.apiVersion
}

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           []any           `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stream          bool            `json:"stream,omitempty"`
	Tools           []responsesTool `json:"tools,omitempty"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type inputMessage struct {
	Type    string         `json:"type"`
	Role    string         `json:"role"`
	Content []inputContent `json:"content"`
}

type inputContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type functionCallItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

func buildRequest(p provider.Params, stream bool) responsesRequest {
	req := p.Request

	var input []any
	for _, m := range req.Messages {
		var content []inputContent
		for _, part := range m.Parts {
			switch part.Type {
			case domain.PartText:
				kind := "input_text"
				if m.Role == "assistant" {
					kind = "output_text"
				}
				content = append(content, inputContent{Type: kind, Text: part.Text})
			case domain.PartImage:
				url := part.ImageData
				if part.MediaType != "" && !strings.HasPrefix(url, "http") {
					url = "data:" + part.MediaType + ";base64," + part.ImageData
				}
				content = append(content, inputContent{Type: "input_image", ImageURL: url})
			case domain.PartToolUse:
				input = append(input, functionCallItem{
					Type:      "function_call",
					CallID:    part.ToolID,
					Name:      part.ToolName,
					Arguments: string(part.ToolInput),
				})
			case domain.PartToolResult:
				input = append(input, functionCallItem{
					Type:   "function_call_output",
					CallID: part.ToolID,
					Output: string(part.ToolInput),
				})
			}
		}
		if len(content) > 0 {
			input = append(input, inputMessage{Type: "message", Role: m.Role, Content: content})
		}
	}

	tools := make([]responsesTool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		})
	}

	return responsesRequest{
		Model:           p.BackendModel,
		Input:           input,
		Instructions:    req.System,
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stream:          stream,
		Tools:           tools,
	}
}

type responsesResponse struct {
	ID                string       `json:"id"`
	Model             string       `json:"model"`
	Status            string       `json:"status"`
	Output            []outputItem `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type outputItem struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Args    string `json:"arguments,omitempty"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
}

func (c *Client) CreateResponse(ctx context.Context, p provider.Params) (*domain.CompletionResponse, error) {
	body, err := json.Marshal(buildRequest(p, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}

	var rr responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return toCompletion(rr, p.BackendModel), nil
}

func toCompletion(rr responsesResponse, model string) *domain.CompletionResponse {
	var text string
	var toolCalls []domain.ToolCall
	for _, item := range rr.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text += c.Text
				}
			}
		case "function_call":
			toolCalls = append(toolCalls, domain.ToolCall{
				ID:    item.CallID,
				Name:  item.Name,
				Input: json.RawMessage(item.Args),
			})
		}
	}

	stopReason := "stop"
	if len(toolCalls) > 0 {
		stopReason = "tool_use"
	}
	if rr.Status == "incomplete" && rr.IncompleteDetails != nil && rr.IncompleteDetails.Reason == "max_output_tokens" {
		stopReason = "length"
	}

	return &domain.CompletionResponse{
		ID:         rr.ID,
		Model:      model,
		Text:       text,
		ToolCalls:  toolCalls,
		StopReason: stopReason,
		Usage: domain.Usage{
			InputTokens:  rr.Usage.InputTokens,
			OutputTokens: rr.Usage.OutputTokens,
		},
	}
}

// streamEvent covers the Responses SSE event payloads the gateway consumes.
type streamEvent struct {
	Type     string             `json:"type"`
	Delta    string             `json:"delta,omitempty"`
	Response *responsesResponse `json:"response,omitempty"`
	Error    *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

func (c *Client) CreateResponseStream(ctx context.Context, p provider.Params) (<-chan domain.StreamEvent, <-chan error) {
	events := make(chan domain.StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		body, err := json.Marshal(buildRequest(p, true))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(), bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("api-key", c.apiKey)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- decodeError(resp)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return
			}

			var ev streamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "response.created":
				id := ""
				if ev.Response != nil {
					id = ev.Response.ID
				}
				if !send(ctx, events, domain.StreamEvent{Type: domain.StreamStart, MessageID: id, Model: p.BackendModel}) {
					return
				}
			case "response.output_text.delta":
				if !send(ctx, events, domain.StreamEvent{Type: domain.StreamDelta, Text: ev.Delta}) {
					return
				}
			case "response.completed":
				usage := &domain.Usage{}
				id := ""
				if ev.Response != nil {
					id = ev.Response.ID
					usage.InputTokens = ev.Response.Usage.InputTokens
					usage.OutputTokens = ev.Response.Usage.OutputTokens
				}
				send(ctx, events, domain.StreamEvent{Type: domain.StreamEnd, MessageID: id, Usage: usage})
				return
			case "error":
				msg := "stream error"
				if ev.Error != nil {
					msg = ev.Error.Message
				}
				errs <- &domain.ProviderError{Provider: domain.ProviderAzure, Status: 500, Type: "api_error", Message: msg}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("stream read: %w", err)
		}
	}()

	return events, errs
}

func send(ctx context.Context, ch chan<- domain.StreamEvent, ev domain.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	pe := &domain.ProviderError{
		Provider: domain.ProviderAzure,
		Status:   resp.StatusCode,
		Message:  fmt.Sprintf("azure responses error: status=%d", resp.StatusCode),
	}

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		pe.Type = envelope.Error.Type
		pe.Message = envelope.Error.Message
		pe.Code = envelope.Error.Code
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			pe.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	return pe
}
