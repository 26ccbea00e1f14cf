// Package notifications publishes operational events, primarily circuit
// breaker transitions, so on-call can learn about a provider outage before
// users do.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/modelbridge/gateway/internal/domain"
)

type NotificationType string

const (
	NotificationProviderDown     NotificationType = "provider_down"
	NotificationProviderUp       NotificationType = "provider_up"
	NotificationProviderDegraded NotificationType = "provider_degraded"
)

type Notification struct {
	Type     NotificationType `json:"type"`
	Provider domain.Provider  `json:"provider"`
	Message  string           `json:"message"`
	Data     map[string]any   `json:"data,omitempty"`
}

type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSNSNotifierWithConfig(cfg, topicArn), nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) Send(ctx context.Context, notification Notification) error {
	message, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		Subject:  aws.String(fmt.Sprintf("gateway: %s %s", notification.Provider, notification.Type)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Provider)),
			},
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(notification.Type)),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// LogNotifier is the no-infrastructure fallback used when no SNS topic is
// configured: events land in the structured log only.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, n Notification) error {
	slog.Warn("operational event", "type", n.Type, "provider", n.Provider, "message", n.Message)
	return nil
}

// Deduper wraps a Notifier and suppresses repeats of the same event for
// the same provider until the state flips, so an open breaker produces one
// page rather than one per rejected request.
type Deduper struct {
	inner Notifier

	mu   sync.Mutex
	last map[domain.Provider]NotificationType
}

func NewDeduper(inner Notifier) *Deduper {
	return &Deduper{inner: inner, last: make(map[domain.Provider]NotificationType)}
}

func (d *Deduper) Send(ctx context.Context, n Notification) error {
	d.mu.Lock()
	if d.last[n.Provider] == n.Type {
		d.mu.Unlock()
		return nil
	}
	d.last[n.Provider] = n.Type
	d.mu.Unlock()

	return d.inner.Send(ctx, n)
}
