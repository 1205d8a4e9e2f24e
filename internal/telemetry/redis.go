package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"spot-core/internal/events"
)

const positionsKeySuffix = ":positions"

// RedisSink publishes every envelope as JSON on a channel and mirrors open
// positions into a hash so dashboards can read them without the API.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink connects to addr and verifies it with PING.
func NewRedisSink(ctx context.Context, addr, channel string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   2,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &RedisSink{client: client, channel: channel}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Handle(ctx context.Context, env events.Envelope) error {
	data, err := Marshal(env)
	if err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}

	p, ok := env.Payload.(events.PositionPayload)
	if !ok {
		return nil
	}
	key := s.channel + positionsKeySuffix
	switch env.Event {
	case events.EventPositionOpened:
		body, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return s.client.HSet(ctx, key, p.Key, body).Err()
	case events.EventPositionClosed:
		return s.client.HDel(ctx, key, p.Key).Err()
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// Marshal renders an envelope in the wire format shared by the Redis channel
// and the API websocket.
func Marshal(env events.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	return data, nil
}
