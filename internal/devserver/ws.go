package devserver

import (
	"context"
	"encoding/json"
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
	maxMessageSize = 4096
	sendBufSize    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev backend: origins are already vetted by the CORS layer.
	CheckOrigin: func(*http.Request) bool { return true },
}

type frame struct {
	Topic string             `json:"topic"`
	Op    backend.EventOp    `json:"op"`
	Row   backend.MessageRow `json:"row"`
}

type command struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// wsConn bridges one WebSocket client to the change feed: each subscribe
// command becomes one backend.Realtime subscription whose events are
// forwarded as frames.
type wsConn struct {
	conn *websocket.Conn
	feed backend.Realtime
	send chan frame
	done chan struct{}
	once sync.Once

	subs map[string]backend.Subscription // owned by readPump
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("dev ws upgrade: %v", err)
		return
	}
	c := &wsConn{
		conn: conn,
		feed: s.feed,
		send: make(chan frame, sendBufSize),
		done: make(chan struct{}),
		subs: make(map[string]backend.Subscription),
	}
	go c.writePump()
	c.readPump()
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsConn) readPump() {
	defer func() {
		for _, sub := range c.subs {
			sub.Unsubscribe()
		}
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("dev ws read: %v", err)
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			logger.Errorf("dev ws unmarshal: %v", err)
			continue
		}
		c.handle(cmd)
	}
}

func (c *wsConn) handle(cmd command) {
	key := model.ParseTopic(cmd.Topic)
	if key.IsZero() {
		return
	}
	switch cmd.Action {
	case "subscribe":
		if _, ok := c.subs[cmd.Topic]; ok {
			return
		}
		topic := cmd.Topic
		sub, err := c.feed.Subscribe(context.Background(), key, func(ev backend.Event) {
			c.push(frame{Topic: topic, Op: ev.Op, Row: backend.RowFromModel(ev.Message)})
		})
		if err != nil {
			logger.Errorf("dev ws subscribe %s: %v", cmd.Topic, err)
			return
		}
		c.subs[cmd.Topic] = sub
	case "unsubscribe":
		if sub, ok := c.subs[cmd.Topic]; ok {
			sub.Unsubscribe()
			delete(c.subs, cmd.Topic)
		}
	}
}

// push enqueues a frame; a slow client loses its connection, not the server.
func (c *wsConn) push(f frame) {
	select {
	case c.send <- f:
	case <-c.done:
	default:
		logger.Errorf("dev ws send buffer full, closing slow client")
		c.close()
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
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
