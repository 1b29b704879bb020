package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/logger"
	"github.com/tribechat/internal/model"
)

// notifyChannel matches the pg_notify channel used by the triggers in
// migrations/001_init.sql.
const notifyChannel = "tribechat_events"

type notifyPayload struct {
	Op  backend.EventOp    `json:"op"`
	Row backend.MessageRow `json:"row"`
}

// Feed is the LISTEN/NOTIFY change feed: one dedicated connection, fanned out
// to per-topic subscriptions.
type Feed struct {
	mu     sync.RWMutex
	subs   map[string]map[*feedSub]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed acquires a dedicated connection from pool, LISTENs, and starts the
// notification loop. The connection is held until Close.
func NewFeed(ctx context.Context, pool *pgxpool.Pool) (*Feed, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgFeed: acquire: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgFeed: listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f := &Feed{
		subs:   make(map[string]map[*feedSub]struct{}),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(runCtx)
			if err != nil {
				if runCtx.Err() == nil {
					logger.Errorf("pgFeed: wait: %v", err)
				}
				return
			}
			var p notifyPayload
			if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
				logger.Errorf("pgFeed: bad payload: %v", err)
				continue
			}
			f.deliver(p.Row.Topic, backend.Event{Op: p.Op, Message: p.Row.ToModel()})
		}
	}()
	return f, nil
}

func (f *Feed) Close() error {
	f.cancel()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		logger.Errorf("pgFeed: close timed out")
	}
	return nil
}

func (f *Feed) deliver(topic string, ev backend.Event) {
	f.mu.RLock()
	targets := make([]*feedSub, 0, 4)
	for sub := range f.subs[topic] {
		targets = append(targets, sub)
	}
	f.mu.RUnlock()
	for _, sub := range targets {
		sub.handler(ev)
	}
}

type feedSub struct {
	f       *Feed
	topic   string
	handler func(backend.Event)
	once    sync.Once
}

func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		s.f.mu.Lock()
		if set, ok := s.f.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.f.subs, s.topic)
			}
		}
		s.f.mu.Unlock()
	})
}

func (f *Feed) Subscribe(ctx context.Context, key model.ConversationKey, handler func(backend.Event)) (backend.Subscription, error) {
	sub := &feedSub{f: f, topic: key.Topic(), handler: handler}
	f.mu.Lock()
	if f.subs[sub.topic] == nil {
		f.subs[sub.topic] = make(map[*feedSub]struct{})
	}
	f.subs[sub.topic][sub] = struct{}{}
	f.mu.Unlock()
	return sub, nil
}
