package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DefaultChannel is the pub/sub channel events are published on.
const DefaultChannel = "walletd:events"

// RedisSink publishes events as JSON on a Redis channel.
type RedisSink struct {
	client  redis.Cmdable
	channel string
}

// NewRedisSink creates a sink publishing on channel (DefaultChannel if empty).
func NewRedisSink(client redis.Cmdable, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, string(payload)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", s.channel, err)
	}
	return nil
}
