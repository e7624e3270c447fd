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

package logvisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gdamore/logvisor/internal/logging"
	"github.com/gdamore/logvisor/internal/metrics"
)

// Channel names the stream a LogEvent came from.
type Channel string

const (
	ChannelStdout Channel = "stdout"
	ChannelStderr Channel = "stderr"
	ChannelSystem Channel = "system"
)

// LogEvent is one chunk of output.  Data is whatever a single read
// returned; it is not necessarily a whole line.
type LogEvent struct {
	ServiceID ServiceID
	Data      string
	Channel   Channel
	Time      time.Time
}

// Listener receives log events.  It is called synchronously from
// Publish, so it must not block; a listener that needs to do I/O should
// hand the event off and return.  A returned error (or a panic) is logged
// and otherwise ignored.  Stdout and stderr are drained by separate
// goroutines, so a listener may be called concurrently.
type Listener func(LogEvent) error

type subscription struct {
	id ServiceID
	fn Listener
}

// Hub multicasts log events to the listeners subscribed to each service.
// It keeps no history.
type Hub struct {
	topics map[ServiceID]map[*subscription]struct{}
	logger zerolog.Logger
	mx     sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[ServiceID]map[*subscription]struct{}),
		logger: logging.Component("hub"),
	}
}

// SetLogger replaces the logger used to report listener failures.
func (h *Hub) SetLogger(l zerolog.Logger) {
	h.mx.Lock()
	h.logger = l
	h.mx.Unlock()
}

// Subscribe registers fn for events of the given service.  The returned
// function removes the subscription; calling it more than once is
// harmless.  The same function may be subscribed several times, each
// subscription being independent.
func (h *Hub) Subscribe(id ServiceID, fn Listener) func() {
	sub := &subscription{id: id, fn: fn}

	h.mx.Lock()
	topic, ok := h.topics[id]
	if !ok {
		topic = make(map[*subscription]struct{})
		h.topics[id] = topic
	}
	topic[sub] = struct{}{}
	h.mx.Unlock()
	metrics.Subscriptions.Inc()

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(sub) })
	}
}

func (h *Hub) unsubscribe(sub *subscription) {
	h.mx.Lock()
	defer h.mx.Unlock()
	topic, ok := h.topics[sub.id]
	if !ok {
		return
	}
	if _, ok := topic[sub]; !ok {
		return
	}
	delete(topic, sub)
	if len(topic) == 0 {
		delete(h.topics, sub.id)
	}
	metrics.Subscriptions.Dec()
}

// Publish delivers a chunk to every listener subscribed to id at the
// time of the call.  Listeners run one after another on the caller's
// goroutine; one failing does not keep the others from being called.
func (h *Hub) Publish(id ServiceID, data string, ch Channel) {
	ev := LogEvent{ServiceID: id, Data: data, Channel: ch, Time: time.Now()}
	metrics.EventsPublished.WithLabelValues(string(ch)).Inc()

	h.mx.RLock()
	topic := h.topics[id]
	subs := make([]*subscription, 0, len(topic))
	for sub := range topic {
		subs = append(subs, sub)
	}
	h.mx.RUnlock()

	for _, sub := range subs {
		if e := h.deliver(sub, ev); e != nil {
			metrics.ListenerFailures.Inc()
			h.mx.RLock()
			logger := h.logger
			h.mx.RUnlock()
			logger.Warn().Err(e).Int64("service", int64(id)).Msg("log listener failed")
			continue
		}
		metrics.EventsDelivered.Inc()
	}
}

func (h *Hub) deliver(sub *subscription, ev LogEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return sub.fn(ev)
}

// Listeners returns the number of subscriptions for a service.
func (h *Hub) Listeners(id ServiceID) int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.topics[id])
}

// Topics returns the number of services with at least one subscriber.
func (h *Hub) Topics() int {
	h.mx.RLock()
	defer h.mx.RUnlock()
	return len(h.topics)
}
