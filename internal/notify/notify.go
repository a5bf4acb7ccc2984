// Package notify publishes pipeline events so downstream consumers can react
// to new data or forecasts.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event describes the outcome of one pipeline step.
type Event struct {
	Step        string         `json:"step"`
	Granularity string         `json:"granularity,omitempty"`
	WindowStart *time.Time     `json:"window_start,omitempty"`
	WindowEnd   *time.Time     `json:"window_end,omitempty"`
	Rows        int            `json:"rows"`
	Counts      map[string]int `json:"counts,omitempty"`
	Cursor      *time.Time     `json:"cursor,omitempty"`
	At          time.Time      `json:"at"`
}

// Publisher sends events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// publishClient is the subset of *redis.Client used by RedisPublisher.
type publishClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes JSON-encoded events to a Redis channel.
type RedisPublisher struct {
	client  publishClient
	channel string
}

// NewRedisPublisher connects to the Redis server at url and verifies the
// connection.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

// Publish sends ev on the configured channel. A zero At is set to now.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Step, err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing %s event: %w", ev.Step, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Open returns a RedisPublisher when url is set and Nop otherwise.
func Open(ctx context.Context, url, channel string) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	p, err := NewRedisPublisher(ctx, url, channel)
	if err != nil {
		return nil, err
	}
	return p, nil
}
