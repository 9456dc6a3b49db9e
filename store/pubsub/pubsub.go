// Package pubsub is the contracts.Subscriber adapter: domain events are
// published onto a Redis channel by JSON-marshaling the payload and
// PUBLISHing it onto a named channel.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher is the production contracts.Subscriber implementation.
type Publisher struct {
	client  *redis.Client
	channel string
}

// Config configures the Redis-backed event publisher.
type Config struct {
	RedisURL string
	Channel  string // defaults to "civicrecords:events"
}

// envelope wraps every emitted event with its name and timestamp.
type envelope struct {
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload"`
	EmittedAt time.Time              `json:"emittedAt"`
}

// New connects to Redis and returns a Publisher.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = "civicrecords:events"
	}
	return &Publisher{client: client, channel: channel}, nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error { return p.client.Close() }

// Emit publishes event with payload onto the configured channel.
func (p *Publisher) Emit(ctx context.Context, event string, payload map[string]interface{}) error {
	data, err := json.Marshal(envelope{Event: event, Payload: payload, EmittedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event, err)
	}
	return nil
}
