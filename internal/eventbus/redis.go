// Package eventbus publishes project change events to Redis pub/sub.
// Publishing is fire-and-forget at every call site: a failed publish is
// logged by the caller and never rolls back a persisted write.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Event struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurredAt"`
	Document   any       `json:"document"`
}

type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(redisURL, channel string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Publisher{client: client, channel: channel}, nil
}

// NewPublisherWithClient wraps an existing client, used in tests.
func NewPublisherWithClient(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

// Publish sends the full updated document wrapped in an event envelope.
func (p *Publisher) Publish(ctx context.Context, eventType string, document any) error {
	payload, err := json.Marshal(Event{
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Document:   document,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
