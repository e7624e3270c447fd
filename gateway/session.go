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
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/internal/metrics"
)

// Subscriber is the part of the hub a session needs.  Both *logvisor.Hub
// and *logvisor.Supervisor satisfy it.
type Subscriber interface {
	Subscribe(id logvisor.ServiceID, fn logvisor.Listener) func()
}

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticated
	stateSubscribed
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateSubscribed:
		return "subscribed"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// outbox is the transport side of a session.
type outbox interface {
	// enqueue queues msg without blocking.  A droppable message is
	// discarded when the queue is full; anything else that does not
	// fit ends the connection.
	enqueue(msg *Outbound, droppable bool) bool

	// finish sends whatever is queued and then closes the connection.
	finish()
}

const lookupTimeout = 5 * time.Second

// session is the protocol state of one connection.  handle is called
// from a single goroutine; listeners run on the hub's goroutines.
type session struct {
	id       string
	out      outbox
	verifier logvisor.Verifier
	store    logvisor.Store
	hub      Subscriber
	limiter  *rate.Limiter
	logger   zerolog.Logger
	ctx      context.Context

	state     state
	identity  *logvisor.Identity
	serviceID logvisor.ServiceID
	cancel    func()
	gen       uint64
	mx        sync.Mutex
}

func (s *session) currentState() state {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

func (s *session) handle(data []byte) {
	if s.currentState() == stateClosed {
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.protocolError("rate_limit", MsgRateLimited)
		return
	}

	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.protocolError("format", MsgInvalidFormat)
		return
	}

	switch in.Type {
	case TypeAuthenticate:
		s.authenticate(in.Token)
	case TypeSubscribe:
		if s.requireAuth() {
			s.subscribe(in.ServiceID)
		}
	case TypeUnsubscribe:
		if s.requireAuth() {
			s.unsubscribe()
		}
	default:
		s.protocolError("unknown_type", MsgUnknownType)
	}
}

func (s *session) requireAuth() bool {
	if s.currentState() == stateUnauthenticated {
		s.protocolError("unauthenticated", MsgNotAuthed)
		return false
	}
	return true
}

func (s *session) protocolError(kind, text string) {
	metrics.ProtocolErrors.WithLabelValues(kind).Inc()
	s.logger.Debug().Str("kind", kind).Msg(text)
	s.out.enqueue(errorMessage(text), false)
}

// authenticate is the only command that ends the connection on failure.
func (s *session) authenticate(token string) {
	var id *logvisor.Identity
	var err error
	if token == "" {
		err = errors.New("no token")
	} else {
		id, err = s.verifier.Verify(token)
	}
	if err != nil {
		text := MsgInvalidToken
		if token == "" {
			text = MsgNoToken
		}
		metrics.ProtocolErrors.WithLabelValues("auth").Inc()
		s.logger.Warn().Err(err).Msg("authentication failed")
		s.out.enqueue(errorMessage(text), false)
		s.close()
		s.out.finish()
		return
	}

	s.mx.Lock()
	s.identity = id
	if s.state == stateUnauthenticated {
		s.state = stateAuthenticated
	}
	s.out.enqueue(&Outbound{Type: TypeAuthenticated}, false)
	s.mx.Unlock()
	s.logger.Info().Str("user", id.Username).Msg("authenticated")
}

func (s *session) subscribe(raw json.RawMessage) {
	id, ok := parseServiceID(raw)
	if !ok {
		s.protocolError("invalid_id", MsgInvalidID)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, lookupTimeout)
	_, err := s.store.Get(ctx, id)
	cancel()
	if errors.Is(err, logvisor.ErrServiceNotFound) {
		s.protocolError("not_found", MsgNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Int64("service", int64(id)).Msg("service lookup failed")
		s.protocolError("database", MsgDatabase)
		return
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state == stateClosed {
		return
	}
	s.disposeLocked()
	s.gen++
	s.serviceID = id
	s.cancel = s.hub.Subscribe(id, s.listener(s.gen))
	s.state = stateSubscribed
	// holding the lock keeps log messages behind this reply
	s.out.enqueue(subscribedMessage(id), false)
	s.logger.Info().Int64("service", int64(id)).Msg("subscribed")
}

func (s *session) unsubscribe() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state == stateClosed {
		return
	}
	if s.state == stateSubscribed {
		s.logger.Info().Int64("service", int64(s.serviceID)).Msg("unsubscribed")
	}
	s.disposeLocked()
	s.state = stateAuthenticated
	s.out.enqueue(&Outbound{Type: TypeUnsubscribed}, false)
}

// listener forwards events for subscription gen.  Events racing with an
// unsubscribe or a newer subscribe are discarded.
func (s *session) listener(gen uint64) logvisor.Listener {
	return func(ev logvisor.LogEvent) error {
		s.mx.Lock()
		defer s.mx.Unlock()
		if s.state != stateSubscribed || s.gen != gen {
			return nil
		}
		s.out.enqueue(logMessage(ev), true)
		return nil
	}
}

func (s *session) disposeLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.serviceID = 0
	s.gen++
}

// close releases the subscription.  It may be called any number of
// times.
func (s *session) close() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.disposeLocked()
	s.state = stateClosed
}
