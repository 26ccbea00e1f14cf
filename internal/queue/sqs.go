// Package queue publishes per-request usage events to SQS for the billing
// pipeline. Publishing is fire-and-forget from the request path: a queue
// failure never fails a completion.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/modelbridge/gateway/internal/domain"
)

// UsageEvent is one request's usage record.
type UsageEvent struct {
	CorrelationID string          `json:"correlation_id"`
	Dialect       domain.Dialect  `json:"dialect"`
	Provider      domain.Provider `json:"provider"`
	Model         string          `json:"model"`
	BackendModel  string          `json:"backend_model"`
	InputTokens   int             `json:"input_tokens"`
	OutputTokens  int             `json:"output_tokens"`
	LatencyMs     int64           `json:"latency_ms"`
	Attempts      int             `json:"attempts"`
	Degraded      bool            `json:"degraded"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// UsagePublisher publishes usage events.
type UsagePublisher interface {
	Publish(ctx context.Context, event UsageEvent) error
}

type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSPublisherWithConfig(cfg, queueURL), nil
}

func NewSQSPublisherWithConfig(cfg aws.Config, queueURL string) *SQSPublisher {
	return &SQSPublisher{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (p *SQSPublisher) Publish(ctx context.Context, event UsageEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal usage event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Provider)),
			},
			"Model": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.Model),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage event: %w", err)
	}
	return nil
}

// PublishAsync publishes off the request path with its own deadline.
func PublishAsync(p UsagePublisher, event UsageEvent) {
	if p == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Publish(ctx, event); err != nil {
			slog.Warn("failed to publish usage event",
				"error", err,
				"correlation_id", event.CorrelationID,
			)
		}
	}()
}
