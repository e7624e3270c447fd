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
	"testing"
	"time"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/time/rate"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/store"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (*logvisor.Identity, error) {
	if token == "good" {
		return &logvisor.Identity{ID: 1, Username: "alice", Role: "admin"}, nil
	}
	return nil, logvisor.ErrInvalidToken
}

type brokenStore struct {
	logvisor.Store
}

func (brokenStore) Get(context.Context, logvisor.ServiceID) (*logvisor.Record, error) {
	return nil, errors.New("disk on fire")
}

type fakeOut struct {
	msgs     []*Outbound
	limit    int
	finished bool
	mx       sync.Mutex
}

func (o *fakeOut) enqueue(msg *Outbound, droppable bool) bool {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.finished {
		return false
	}
	if o.limit > 0 && len(o.msgs) >= o.limit && droppable {
		return false
	}
	o.msgs = append(o.msgs, msg)
	return true
}

func (o *fakeOut) finish() {
	o.mx.Lock()
	o.finished = true
	o.mx.Unlock()
}

func (o *fakeOut) take() []*Outbound {
	o.mx.Lock()
	defer o.mx.Unlock()
	m := o.msgs
	o.msgs = nil
	return m
}

func (o *fakeOut) isFinished() bool {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.finished
}

func newTestSession(st logvisor.Store, hub Subscriber) (*session, *fakeOut) {
	out := &fakeOut{}
	return &session{
		id:       "test",
		out:      out,
		verifier: fakeVerifier{},
		store:    st,
		hub:      hub,
		logger:   zerolog.Nop(),
		ctx:      context.Background(),
	}, out
}

func TestSessionAuthentication(t *testing.T) {
	Convey("Given a new session", t, func() {
		hub := logvisor.NewHub()
		st := store.NewMemory()
		s, out := newTestSession(st, hub)

		Convey("A good token authenticates", func() {
			s.handle([]byte(`{"type":"authenticate","token":"good"}`))
			msgs := out.take()
			So(len(msgs), ShouldEqual, 1)
			So(msgs[0].Type, ShouldEqual, TypeAuthenticated)
			So(s.currentState(), ShouldEqual, stateAuthenticated)
			So(out.isFinished(), ShouldBeFalse)
		})

		Convey("A bad token closes the session", func() {
			s.handle([]byte(`{"type":"authenticate","token":"bad"}`))
			msgs := out.take()
			So(len(msgs), ShouldEqual, 1)
			So(msgs[0].Type, ShouldEqual, TypeError)
			So(msgs[0].Message, ShouldEqual, MsgInvalidToken)
			So(s.currentState(), ShouldEqual, stateClosed)
			So(out.isFinished(), ShouldBeTrue)

			Convey("and later commands are ignored", func() {
				s.handle([]byte(`{"type":"authenticate","token":"good"}`))
				So(out.take(), ShouldBeEmpty)
				So(s.currentState(), ShouldEqual, stateClosed)
			})
		})

		Convey("A missing token closes the session", func() {
			s.handle([]byte(`{"type":"authenticate"}`))
			msgs := out.take()
			So(msgs[0].Message, ShouldEqual, MsgNoToken)
			So(s.currentState(), ShouldEqual, stateClosed)
		})

		Convey("Commands before authentication are refused but keep the session", func() {
			s.handle([]byte(`{"type":"subscribe","serviceId":1}`))
			s.handle([]byte(`{"type":"unsubscribe"}`))
			msgs := out.take()
			So(len(msgs), ShouldEqual, 2)
			So(msgs[0].Message, ShouldEqual, MsgNotAuthed)
			So(msgs[1].Message, ShouldEqual, MsgNotAuthed)
			So(s.currentState(), ShouldEqual, stateUnauthenticated)
			So(out.isFinished(), ShouldBeFalse)
		})

		Convey("Malformed and unknown messages are errors", func() {
			s.handle([]byte(`{not json`))
			s.handle([]byte(`{"type":"dance"}`))
			msgs := out.take()
			So(msgs[0].Message, ShouldEqual, MsgInvalidFormat)
			So(msgs[1].Message, ShouldEqual, MsgUnknownType)
			So(out.isFinished(), ShouldBeFalse)
		})
	})
}

func TestSessionSubscriptions(t *testing.T) {
	Convey("Given an authenticated session", t, func() {
		hub := logvisor.NewHub()
		st := store.NewMemory()
		ctx := context.Background()
		So(st.Put(ctx, &logvisor.Record{ID: 1, Name: "one"}), ShouldBeNil)
		So(st.Put(ctx, &logvisor.Record{ID: 2, Name: "two"}), ShouldBeNil)

		s, out := newTestSession(st, hub)
		s.handle([]byte(`{"type":"authenticate","token":"good"}`))
		out.take()

		Convey("Subscribing by number delivers logs", func() {
			s.handle([]byte(`{"type":"subscribe","serviceId":1}`))
			hub.Publish(1, "hello", logvisor.ChannelStdout)
			hub.Publish(2, "other", logvisor.ChannelStdout)
			msgs := out.take()
			So(len(msgs), ShouldEqual, 2)
			So(msgs[0].Type, ShouldEqual, TypeSubscribed)
			So(*msgs[0].ServiceID, ShouldEqual, logvisor.ServiceID(1))
			So(msgs[1].Type, ShouldEqual, TypeLog)
			So(msgs[1].Data, ShouldEqual, "hello")
			So(msgs[1].LogType, ShouldEqual, "stdout")
			So(*msgs[1].ServiceID, ShouldEqual, logvisor.ServiceID(1))
			_, err := time.Parse(time.RFC3339, msgs[1].Timestamp)
			So(err, ShouldBeNil)
			So(s.currentState(), ShouldEqual, stateSubscribed)
		})

		Convey("Subscribing by string works too", func() {
			s.handle([]byte(`{"type":"subscribe","serviceId":"2"}`))
			msgs := out.take()
			So(msgs[0].Type, ShouldEqual, TypeSubscribed)
			So(*msgs[0].ServiceID, ShouldEqual, logvisor.ServiceID(2))
		})

		Convey("Bad ids leave the state alone", func() {
			s.handle([]byte(`{"type":"subscribe","serviceId":1}`))
			out.take()
			s.handle([]byte(`{"type":"subscribe","serviceId":"abc"}`))
			s.handle([]byte(`{"type":"subscribe"}`))
			s.handle([]byte(`{"type":"subscribe","serviceId":99}`))
			msgs := out.take()
			So(msgs[0].Message, ShouldEqual, MsgInvalidID)
			So(msgs[1].Message, ShouldEqual, MsgInvalidID)
			So(msgs[2].Message, ShouldEqual, MsgNotFound)
			So(s.currentState(), ShouldEqual, stateSubscribed)
			So(hub.Listeners(1), ShouldEqual, 1)
		})

		Convey("Store failures are reported as database errors", func() {
			s.store = brokenStore{}
			s.handle([]byte(`{"type":"subscribe","serviceId":1}`))
			msgs := out.take()
			So(msgs[0].Message, ShouldEqual, MsgDatabase)
			So(s.currentState(), ShouldEqual, stateAuthenticated)
		})

		Convey("Switching services drops the old subscription", func() {
			s.handle([]byte(`{"type":"subscribe","serviceId":1}`))
			s.handle([]byte(`{"type":"subscribe","serviceId":2}`))
			So(hub.Listeners(1), ShouldEqual, 0)
			So(hub.Listeners(2), ShouldEqual, 1)
			out.take()
			hub.Publish(1, "old", logvisor.ChannelStdout)
			hub.Publish(2, "new", logvisor.ChannelStderr)
			msgs := out.take()
			So(len(msgs), ShouldEqual, 1)
			So(msgs[0].Data, ShouldEqual, "new")
			So(msgs[0].LogType, ShouldEqual, "stderr")
		})

		Convey("Unsubscribe stops delivery", func() {
			s.handle([]byte(`{"type":"subscribe","serviceId":1}`))
			s.handle([]byte(`{"type":"unsubscribe"}`))
			hub.Publish(1, "late", logvisor.ChannelStdout)
			msgs := out.take()
			So(len(msgs), ShouldEqual, 2)
			So(msgs[1].Type, ShouldEqual, TypeUnsubscribed)
			So(hub.Listeners(1), ShouldEqual, 0)
			So(s.currentState(), ShouldEqual, stateAuthenticated)
		})

		Convey("Unsubscribe without a subscription still replies", func() {
			s.handle([]byte(`{"type":"unsubscribe"}`))
			msgs := out.take()
			So(len(msgs), ShouldEqual, 1)
			So(msgs[0].Type, ShouldEqual, TypeUnsubscribed)
			So(s.currentState(), ShouldEqual, stateAuthenticated)
		})

		Convey("Closing disposes the subscription, more than once", func() {
			s.handle([]byte(`{"type":"subscribe","serviceId":1}`))
			s.close()
			s.close()
			So(hub.Listeners(1), ShouldEqual, 0)
			So(hub.Topics(), ShouldEqual, 0)
		})

		Convey("Log messages are dropped when the queue is full", func() {
			s.handle([]byte(`{"type":"subscribe","serviceId":1}`))
			out.take()
			out.limit = 2
			for i := 0; i < 5; i++ {
				hub.Publish(1, "x", logvisor.ChannelStdout)
			}
			So(len(out.take()), ShouldEqual, 2)
		})

		Convey("Commands beyond the rate limit are refused", func() {
			s.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
			s.handle([]byte(`{"type":"unsubscribe"}`))
			s.handle([]byte(`{"type":"unsubscribe"}`))
			msgs := out.take()
			So(msgs[0].Type, ShouldEqual, TypeUnsubscribed)
			So(msgs[1].Message, ShouldEqual, MsgRateLimited)
			So(out.isFinished(), ShouldBeFalse)
		})
	})
}

func TestParseServiceID(t *testing.T) {
	Convey("Service ids", t, func() {
		cases := map[string]int64{
			`7`:      7,
			`"7"`:    7,
			`" 12 "`: 12,
			`3.0`:    3,
		}
		for raw, want := range cases {
			id, ok := parseServiceID([]byte(raw))
			So(ok, ShouldBeTrue)
			So(id, ShouldEqual, logvisor.ServiceID(want))
		}
		for _, raw := range []string{``, `null`, `"x"`, `1.5`, `"1.0"`, `true`, `{}`, `[1]`} {
			_, ok := parseServiceID([]byte(raw))
			So(ok, ShouldBeFalse)
		}
	})
}
