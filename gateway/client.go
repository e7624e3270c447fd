// Copyright 2026 The Logvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gdamore/logvisor/internal/metrics"
)

// client owns one websocket connection: a read pump feeding the session
// and a write pump draining the bounded send queue.
type client struct {
	id     string
	conn   *websocket.Conn
	opts   Options
	send   chan *Outbound
	logger zerolog.Logger
	closed bool
	mx     sync.Mutex
}

func newClient(id string, conn *websocket.Conn, opts Options, logger zerolog.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		opts:   opts,
		send:   make(chan *Outbound, opts.SendQueue),
		logger: logger,
	}
}

func (c *client) enqueue(msg *Outbound, droppable bool) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
	}
	if droppable {
		metrics.MessagesDropped.Inc()
		return false
	}
	// a reply that does not fit means the peer stopped reading
	c.logger.Warn().Str("type", msg.Type).Msg("send queue full, closing connection")
	c.finishLocked()
	return false
}

func (c *client) finish() {
	c.mx.Lock()
	c.finishLocked()
	c.mx.Unlock()
}

func (c *client) finishLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) readPump(s *session) {
	defer func() {
		s.close()
		c.finish()
	}()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		s.handle(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				c.logger.Error().Err(err).Str("type", msg.Type).Msg("failed to encode message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.finish()
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.finish()
				return
			}
		}
	}
}
