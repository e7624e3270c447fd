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

// Package gateway serves the realtime log protocol over websockets.
//
// A connection starts unauthenticated and must send an authenticate
// command with a bearer token.  Once authenticated it may subscribe to
// one service at a time and receives that service's output as log
// messages until it unsubscribes, subscribes elsewhere, or disconnects.
package gateway

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/internal/logging"
	"github.com/gdamore/logvisor/internal/metrics"
)

// Options tune the connection handling.  Zero fields take the values
// from DefaultOptions.
type Options struct {
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	SendQueue      int
	MaxMessageSize int64
	RateLimit      float64 // commands per second
	RateBurst      int

	// AllowedOrigins lists acceptable Origin headers.  Empty means the
	// origin must match the request host; "*" accepts anything.
	// Requests without an Origin header, which browsers always send,
	// are accepted.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		PingPeriod:     30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		SendQueue:      256,
		MaxMessageSize: 4096,
		RateLimit:      10,
		RateBurst:      20,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PingPeriod <= 0 {
		o.PingPeriod = d.PingPeriod
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.SendQueue <= 0 {
		o.SendQueue = d.SendQueue
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.RateLimit <= 0 {
		o.RateLimit = d.RateLimit
	}
	if o.RateBurst <= 0 {
		o.RateBurst = d.RateBurst
	}
	return o
}

// Server is an http.Handler upgrading requests to log sessions.
// Connections are independent of each other.
type Server struct {
	verifier logvisor.Verifier
	store    logvisor.Store
	hub      Subscriber
	opts     Options
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	clients  map[*client]struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	mx       sync.Mutex
}

func NewServer(v logvisor.Verifier, st logvisor.Store, hub Subscriber, opts Options) *Server {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		verifier: v,
		store:    st,
		hub:      hub,
		opts:     opts,
		logger:   logging.Component("gateway"),
		clients:  make(map[*client]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}
	return s
}

func (s *Server) SetLogger(l zerolog.Logger) {
	s.mx.Lock()
	s.logger = l
	s.mx.Unlock()
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.clients)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied
		metrics.ProtocolErrors.WithLabelValues("upgrade").Inc()
		return
	}

	id := uuid.NewString()
	s.mx.Lock()
	logger := s.logger.With().Str("conn", id).Str("remote", r.RemoteAddr).Logger()
	s.mx.Unlock()

	c := newClient(id, conn, s.opts, logger)
	sess := &session{
		id:       id,
		out:      c,
		verifier: s.verifier,
		store:    s.store,
		hub:      s.hub,
		limiter:  rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst),
		logger:   logger,
		ctx:      s.ctx,
	}

	if !s.register(c) {
		_ = conn.Close()
		return
	}
	defer s.unregister(c)

	logger.Info().Msg("connection opened")
	go c.writePump()
	c.readPump(sess)
	logger.Info().Msg("connection closed")
}

func (s *Server) register(c *client) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.clients[c] = struct{}{}
	metrics.Connections.Inc()
	return true
}

func (s *Server) unregister(c *client) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		metrics.Connections.Dec()
	}
}

// Close drops every connection and refuses new ones.  Hijacked
// connections are not closed by http.Server.Shutdown, so the daemon
// calls this on the way down.
func (s *Server) Close() {
	s.cancel()
	s.mx.Lock()
	conns := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mx.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func checkOrigin(allowed []string) func(*http.Request) bool {
	all := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			all = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || all {
			return true
		}
		if len(set) > 0 {
			return set[strings.ToLower(strings.TrimRight(origin, "/"))]
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
