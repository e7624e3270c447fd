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
	"errors"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
)

type recorder struct {
	events []LogEvent
	sync.Mutex
}

func (r *recorder) listen(ev LogEvent) error {
	r.Lock()
	r.events = append(r.events, ev)
	r.Unlock()
	return nil
}

func (r *recorder) data() []string {
	r.Lock()
	defer r.Unlock()
	d := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		d = append(d, ev.Data)
	}
	return d
}

func TestHub(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	Convey("Given a hub", t, func() {
		h := NewHub()

		Convey("Publishing without listeners is a no-op", func() {
			h.Publish(1, "lost", ChannelStdout)
			So(h.Topics(), ShouldEqual, 0)
		})

		Convey("A subscriber gets exactly what is published for its service", func() {
			r1, r2 := &recorder{}, &recorder{}
			h.Subscribe(1, r1.listen)
			h.Subscribe(2, r2.listen)

			h.Publish(1, "x", ChannelStdout)
			So(r1.data(), ShouldResemble, []string{"x"})
			So(r1.events[0].ServiceID, ShouldEqual, ServiceID(1))
			So(r1.events[0].Channel, ShouldEqual, ChannelStdout)
			So(r1.events[0].Time.IsZero(), ShouldBeFalse)
			So(r2.data(), ShouldBeEmpty)
		})

		Convey("Late subscribers see nothing from before", func() {
			h.Publish(1, "early", ChannelStdout)
			r := &recorder{}
			h.Subscribe(1, r.listen)
			h.Publish(1, "late", ChannelStdout)
			So(r.data(), ShouldResemble, []string{"late"})
		})

		Convey("Order is preserved per stream", func() {
			r := &recorder{}
			h.Subscribe(1, r.listen)
			for _, s := range []string{"a", "b", "c"} {
				h.Publish(1, s, ChannelStderr)
			}
			So(r.data(), ShouldResemble, []string{"a", "b", "c"})
		})

		Convey("Unsubscribing stops delivery and is idempotent", func() {
			r := &recorder{}
			cancel := h.Subscribe(1, r.listen)
			So(h.Listeners(1), ShouldEqual, 1)
			cancel()
			cancel()
			So(h.Listeners(1), ShouldEqual, 0)
			So(h.Topics(), ShouldEqual, 0)
			h.Publish(1, "x", ChannelStdout)
			So(r.data(), ShouldBeEmpty)
		})

		Convey("The same listener may be subscribed twice", func() {
			r := &recorder{}
			c1 := h.Subscribe(1, r.listen)
			h.Subscribe(1, r.listen)
			h.Publish(1, "x", ChannelStdout)
			So(r.data(), ShouldResemble, []string{"x", "x"})
			c1()
			h.Publish(1, "y", ChannelStdout)
			So(r.data(), ShouldResemble, []string{"x", "x", "y"})
		})

		Convey("Failing listeners do not affect others", func() {
			r := &recorder{}
			h.Subscribe(1, func(LogEvent) error { return errors.New("broken") })
			h.Subscribe(1, func(LogEvent) error { panic("worse") })
			h.Subscribe(1, r.listen)
			So(func() { h.Publish(1, "x", ChannelSystem) }, ShouldNotPanic)
			So(r.data(), ShouldResemble, []string{"x"})
		})

		Convey("A listener may unsubscribe itself during delivery", func() {
			r := &recorder{}
			var cancel func()
			cancel = h.Subscribe(1, func(ev LogEvent) error {
				cancel()
				return r.listen(ev)
			})
			h.Publish(1, "once", ChannelStdout)
			h.Publish(1, "twice", ChannelStdout)
			So(r.data(), ShouldResemble, []string{"once"})
		})

		Convey("Concurrent publishers and subscribers are safe", func() {
			var wg sync.WaitGroup
			r := &recorder{}
			h.Subscribe(7, r.listen)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < 100; j++ {
						cancel := h.Subscribe(7, func(LogEvent) error { return nil })
						h.Publish(7, "x", ChannelStdout)
						cancel()
					}
				}()
			}
			wg.Wait()
			So(len(r.data()), ShouldEqual, 800)
			So(h.Listeners(7), ShouldEqual, 1)
		})
	})
}
