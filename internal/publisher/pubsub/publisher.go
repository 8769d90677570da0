// Package pubsub publishes manual backup tickets to a Google Cloud Pub/Sub
// topic for operators.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
)

// Config names the project and topic tickets are published to.
type Config struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

type result interface {
	Get(ctx context.Context) (string, error)
}

type topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) result
	Stop()
}

type topicAdapter struct {
	t *pubsub.Topic
}

func (a topicAdapter) Publish(ctx context.Context, msg *pubsub.Message) result {
	return a.t.Publish(ctx, msg)
}

func (a topicAdapter) Stop() { a.t.Stop() }

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	client *pubsub.Client
	topic  topic
}

// New connects to Pub/Sub and checks that the topic exists.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" {
		return nil, fmt.Errorf("pubsub project_id and topic_id are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	t := client.Topic(cfg.TopicID)
	exists, err := t.Exists(ctx)
	if err != nil || !exists {
		_ = client.Close()
		if err != nil {
			return nil, fmt.Errorf("check pubsub topic %q: %w", cfg.TopicID, err)
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	return &Publisher{client: client, topic: topicAdapter{t: t}}, nil
}

// Publish marshals payload to JSON and waits for the server to acknowledge it.
// The topic argument is recorded as an attribute.
func (p *Publisher) Publish(ctx context.Context, topicName string, payload any) (string, error) {
	if p == nil || p.topic == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"event": topicName},
	}
	id, err := p.topic.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes pending messages and closes the client.
func (p *Publisher) Close() error {
	if p == nil || p.topic == nil {
		return nil
	}
	p.topic.Stop()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
