package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tribechat/internal/model"
)

type Client struct {
	cli *redis.Client
	ttl time.Duration
}

func New(ctx context.Context, url string, ttl time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// GetPage returns the cached page for a topic, nil on miss.
func (c *Client) GetPage(ctx context.Context, topic string) ([]model.Message, error) {
	raw, err := c.cli.Get(ctx, "page:"+topic).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", topic, err)
	}
	var page []model.Message
	if err := json.Unmarshal(raw, &page); err != nil {
		// A corrupt entry is a miss, not an error.
		return nil, nil
	}
	return page, nil
}

func (c *Client) SetPage(ctx context.Context, topic string, page []model.Message) error {
	raw, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", topic, err)
	}
	if err := c.cli.Set(ctx, "page:"+topic, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", topic, err)
	}
	return nil
}
