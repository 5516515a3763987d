package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRelayChannel = "corates:notifications"

type envelope struct {
	UserID string `json:"userId"`
	Event  Event  `json:"event"`
}

// Relay carries events between processes over a Redis pub/sub channel.
type Relay struct {
	client  *redis.Client
	channel string
}

// NewRelay connects to redisURL and verifies the connection.
func NewRelay(redisURL string) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRelayWithClient(client, defaultRelayChannel), nil
}

// NewRelayWithClient builds a relay over an existing client.
func NewRelayWithClient(client *redis.Client, channel string) *Relay {
	if channel == "" {
		channel = defaultRelayChannel
	}
	return &Relay{client: client, channel: channel}
}

func (r *Relay) publish(ctx context.Context, message envelope) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (r *Relay) subscribe(ctx context.Context) (*redis.PubSub, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe notifications: %w", err)
	}
	return pubsub, nil
}

// Ping checks that Redis is reachable.
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *Relay) Close() error {
	return r.client.Close()
}
