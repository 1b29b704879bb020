package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tribechat/internal/model"
)

type item struct {
	page []model.Message
	exp  time.Time
}

type Client struct {
	mu    sync.RWMutex
	pages map[string]item
	ttl   time.Duration
}

func New(ttl time.Duration) *Client {
	return &Client{
		pages: make(map[string]item),
		ttl:   ttl,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) GetPage(ctx context.Context, topic string) ([]model.Message, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.pages[topic]
	if !ok || time.Now().After(v.exp) {
		return nil, nil
	}
	out := make([]model.Message, len(v.page))
	copy(out, v.page)
	return out, nil
}

func (c *Client) SetPage(ctx context.Context, topic string, page []model.Message) error {
	cp := make([]model.Message, len(page))
	copy(cp, page)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pages[topic] = item{page: cp, exp: time.Now().Add(c.ttl)}
	return nil
}
