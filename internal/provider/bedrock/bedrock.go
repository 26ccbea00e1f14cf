// Package bedrock implements the provider client for models hosted on AWS
// Bedrock, using the uniform Converse API so one call shape covers every
// backend model.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"github.com/modelbridge/gateway/internal/domain"
	"github.com/modelbridge/gateway/internal/provider"
)

type Client struct {
	client *bedrockruntime.Client
	region string
}

func New(ctx context.Context, region string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Client {
	return &Client{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (c *Client) Provider() domain.Provider { return domain.ProviderBedrock }

func buildConverseInput(p provider.Params) (*bedrockruntime.ConverseInput, error) {
	req := p.Request

	messages := make([]types.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}

		var blocks []types.ContentBlock
		for _, part := range m.Parts {
			switch part.Type {
			case domain.PartText:
				blocks = append(blocks, &types.ContentBlockMemberText{Value: part.Text})
			case domain.PartToolResult:
				// The router blocks tool declarations for Bedrock-backed
				// models; stray tool results from earlier turns are carried
				// as plain text so the conversation stays coherent.
				blocks = append(blocks, &types.ContentBlockMemberText{Value: string(part.ToolInput)})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, types.Message{Role: role, Content: blocks})
	}

	if len(messages) == 0 {
		return nil, domain.Validationf("messages", "no usable message content for the backend model")
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(p.BackendModel),
		Messages: messages,
	}

	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	inference := &types.InferenceConfiguration{}
	configured := false
	if req.MaxTokens != nil {
		inference.MaxTokens = aws.Int32(int32(*req.MaxTokens))
		configured = true
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
		configured = true
	}
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
		configured = true
	}
	if len(req.Stop) > 0 {
		inference.StopSequences = req.Stop
		configured = true
	}
	if configured {
		input.InferenceConfig = inference
	}

	return input, nil
}

func (c *Client) CreateResponse(ctx context.Context, p provider.Params) (*domain.CompletionResponse, error) {
	input, err := buildConverseInput(p)
	if err != nil {
		return nil, err
	}

	out, err := c.client.Converse(ctx, input)
	if err != nil {
		return nil, mapAWSError(err)
	}

	var text string
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if t, ok := block.(*types.ContentBlockMemberText); ok {
				text += t.Value
			}
		}
	}

	usage := domain.Usage{}
	if out.Usage != nil {
		usage.InputTokens = int(aws.ToInt32(out.Usage.InputTokens))
		usage.OutputTokens = int(aws.ToInt32(out.Usage.OutputTokens))
	}

	return &domain.CompletionResponse{
		ID:         "msg_" + uuid.New().String(),
		Model:      p.BackendModel,
		Text:       text,
		StopReason: mapStopReason(out.StopReason),
		Usage:      usage,
	}, nil
}

func (c *Client) CreateResponseStream(ctx context.Context, p provider.Params) (<-chan domain.StreamEvent, <-chan error) {
	events := make(chan domain.StreamEvent)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		input, err := buildConverseInput(p)
		if err != nil {
			errs <- err
			return
		}

		out, err := c.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
			ModelId:         input.ModelId,
			Messages:        input.Messages,
			System:          input.System,
			InferenceConfig: input.InferenceConfig,
		})
		if err != nil {
			errs <- mapAWSError(err)
			return
		}

		stream := out.GetStream()
		defer stream.Close()

		messageID := "msg_" + uuid.New().String()
		if !send(ctx, events, domain.StreamEvent{Type: domain.StreamStart, MessageID: messageID, Model: p.BackendModel}) {
			return
		}

		usage := &domain.Usage{}
		for event := range stream.Events() {
			switch v := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				if d, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
					if !send(ctx, events, domain.StreamEvent{Type: domain.StreamDelta, MessageID: messageID, Text: d.Value}) {
						return
					}
				}
			case *types.ConverseStreamOutputMemberMetadata:
				if v.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(v.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(v.Value.Usage.OutputTokens))
				}
			case *types.ConverseStreamOutputMemberMessageStop:
				send(ctx, events, domain.StreamEvent{Type: domain.StreamEnd, MessageID: messageID, Usage: usage})
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- mapAWSError(err)
			return
		}

		// Some models close the event stream without an explicit stop.
		send(ctx, events, domain.StreamEvent{Type: domain.StreamEnd, MessageID: messageID, Usage: usage})
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

func mapStopReason(reason types.StopReason) string {
	switch reason {
	case types.StopReasonMaxTokens:
		return "length"
	case types.StopReasonToolUse:
		return "tool_use"
	default:
		return "stop"
	}
}

// mapAWSError translates Bedrock service exceptions into the provider error
// envelope so the error mapper sees one vocabulary.
func mapAWSError(err error) error {
	var throttled *types.ThrottlingException
	if errors.As(err, &throttled) {
		return &domain.ProviderError{
			Provider: domain.ProviderBedrock,
			Status:   429,
			Type:     "rate_limit_error",
			Message:  aws.ToString(throttled.Message),
		}
	}

	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return &domain.ProviderError{
			Provider: domain.ProviderBedrock,
			Status:   400,
			Type:     "invalid_request_error",
			Message:  aws.ToString(validation.Message),
		}
	}

	var denied *types.AccessDeniedException
	if errors.As(err, &denied) {
		return &domain.ProviderError{
			Provider: domain.ProviderBedrock,
			Status:   403,
			Type:     "permission_error",
			Message:  aws.ToString(denied.Message),
		}
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return &domain.ProviderError{
			Provider: domain.ProviderBedrock,
			Status:   404,
			Type:     "not_found_error",
			Message:  aws.ToString(notFound.Message),
		}
	}

	var timeout *types.ModelTimeoutException
	if errors.As(err, &timeout) {
		return domain.NewError(domain.KindTimeout, "model invocation timed out", err)
	}

	var unavailable *types.ServiceUnavailableException
	if errors.As(err, &unavailable) {
		return &domain.ProviderError{
			Provider: domain.ProviderBedrock,
			Status:   503,
			Type:     "overloaded_error",
			Message:  aws.ToString(unavailable.Message),
		}
	}

	var internal *types.InternalServerException
	if errors.As(err, &internal) {
		return &domain.ProviderError{
			Provider: domain.ProviderBedrock,
			Status:   500,
			Type:     "api_error",
			Message:  aws.ToString(internal.Message),
		}
	}

	return fmt.Errorf("bedrock converse: %w", err)
}
