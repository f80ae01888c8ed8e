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

// BroadcastChannel is the pub/sub channel every node listens on.
func BroadcastChannel() string {
	return "cluster:broadcast"
}

// NodeChannel is the point-to-point pub/sub channel for one node.
func NodeChannel(nodeID int) string {
	return fmt.Sprintf("cluster:node:%d", nodeID)
}
