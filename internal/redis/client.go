package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// QRTokenKey is the ephemeral cache key for an agent's live pairing token.
func QRTokenKey(agentID string) string {
	return fmt.Sprintf("qr:%s", agentID)
}

// SessionEventChannel is the pub/sub channel for an agent's lifecycle events.
func SessionEventChannel(agentID string) string {
	return fmt.Sprintf("session-events:%s", agentID)
}

// TransportCommandChannel carries commands to an agent's transport worker.
func TransportCommandChannel(agentID string) string {
	return fmt.Sprintf("transport-cmd:%s", agentID)
}

// TransportEventChannel carries raw transport events from an agent's worker.
func TransportEventChannel(agentID string) string {
	return fmt.Sprintf("transport-evt:%s", agentID)
}
