// Package realtime is the hosted-mode change feed: one WebSocket connection
// multiplexing per-topic subscriptions.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tribechat/internal/backend"
	"github.com/tribechat/internal/logger"
	"github.com/tribechat/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufSize    = 64
)

// frame is one server-pushed change notification.
type frame struct {
	Topic string             `json:"topic"`
	Op    backend.EventOp    `json:"op"`
	Row   backend.MessageRow `json:"row"`
}

// command is a client-to-server control message.
type command struct {
	Action string `json:"action"` // "subscribe" | "unsubscribe"
	Topic  string `json:"topic"`
}

// Client owns the WebSocket transport. Lifecycle:
// Dial -> [readPump, writePump] -> Close.
type Client struct {
	conn *websocket.Conn
	send chan command

	mu   sync.RWMutex
	subs map[string]map[*wsSub]struct{}

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Dial connects to the change-feed endpoint and starts the pumps.
func Dial(ctx context.Context, wsURL, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("realtime dial %s: %w", wsURL, err)
	}
	c := &Client{
		conn: conn,
		send: make(chan command, sendBufSize),
		subs: make(map[string]map[*wsSub]struct{}),
		done: make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readPump()
	go c.writePump()
	return c, nil
}

// Close tears the connection down and waits for both pumps. Idempotent.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
	c.wg.Wait()
	return nil
}

func (c *Client) readPump() {
	defer c.wg.Done()
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("realtime set read deadline: %v", err)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				logger.Errorf("realtime read: %v", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logger.Errorf("realtime unmarshal: %v", err)
			continue
		}
		c.deliver(f)
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			if err := c.conn.WriteMessage(websocket.CloseMessage, nil); err != nil && err != websocket.ErrCloseSent {
				logger.Errorf("realtime close message: %v", err)
			}
			return
		case cmd := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("realtime set write deadline: %v", err)
				return
			}
			if err := c.conn.WriteJSON(cmd); err != nil {
				logger.Errorf("realtime write: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) deliver(f frame) {
	c.mu.RLock()
	targets := make([]*wsSub, 0, 4)
	for sub := range c.subs[f.Topic] {
		targets = append(targets, sub)
	}
	c.mu.RUnlock()
	ev := backend.Event{Op: f.Op, Message: f.Row.ToModel()}
	for _, sub := range targets {
		sub.handler(ev)
	}
}

func (c *Client) enqueue(cmd command) {
	select {
	case c.send <- cmd:
	case <-c.done:
	}
}

type wsSub struct {
	c       *Client
	topic   string
	handler func(backend.Event)
	once    sync.Once
}

func (s *wsSub) Unsubscribe() {
	s.once.Do(func() {
		s.c.mu.Lock()
		last := false
		if set, ok := s.c.subs[s.topic]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.c.subs, s.topic)
				last = true
			}
		}
		s.c.mu.Unlock()
		if last {
			s.c.enqueue(command{Action: "unsubscribe", Topic: s.topic})
		}
	})
}

// Subscribe registers a per-topic handler; the first subscription for a topic
// sends the subscribe command upstream.
func (c *Client) Subscribe(ctx context.Context, key model.ConversationKey, handler func(backend.Event)) (backend.Subscription, error) {
	sub := &wsSub{c: c, topic: key.Topic(), handler: handler}
	c.mu.Lock()
	first := c.subs[sub.topic] == nil
	if first {
		c.subs[sub.topic] = make(map[*wsSub]struct{})
	}
	c.subs[sub.topic][sub] = struct{}{}
	c.mu.Unlock()
	if first {
		c.enqueue(command{Action: "subscribe", Topic: sub.topic})
	}
	return sub, nil
}
