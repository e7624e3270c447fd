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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/store"
)

func dial(srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	h := http.Header{}
	if origin != "" {
		h.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(u, h)
}

func send(c *websocket.Conn, v interface{}) {
	data, _ := json.Marshal(v)
	_ = c.WriteMessage(websocket.TextMessage, data)
}

func recv(c *websocket.Conn) (*Outbound, error) {
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg := &Outbound{}
	return msg, json.Unmarshal(data, msg)
}

func TestServerRoundTrip(t *testing.T) {
	Convey("Given a gateway server", t, func() {
		hub := logvisor.NewHub()
		st := store.NewMemory()
		So(st.Put(context.Background(), &logvisor.Record{ID: 4, Name: "bot"}), ShouldBeNil)

		gw := NewServer(fakeVerifier{}, st, hub, Options{PingPeriod: time.Second, PongWait: 2 * time.Second})
		srv := httptest.NewServer(gw)
		defer srv.Close()
		defer gw.Close()

		c, _, err := dial(srv, "")
		So(err, ShouldBeNil)
		defer c.Close()

		Convey("A client can authenticate, subscribe and tail", func() {
			send(c, map[string]string{"type": "authenticate", "token": "good"})
			msg, err := recv(c)
			So(err, ShouldBeNil)
			So(msg.Type, ShouldEqual, TypeAuthenticated)

			send(c, map[string]interface{}{"type": "subscribe", "serviceId": 4})
			msg, err = recv(c)
			So(err, ShouldBeNil)
			So(msg.Type, ShouldEqual, TypeSubscribed)
			So(hub.Listeners(4), ShouldEqual, 1)

			hub.Publish(4, "line one\n", logvisor.ChannelStdout)
			msg, err = recv(c)
			So(err, ShouldBeNil)
			So(msg.Type, ShouldEqual, TypeLog)
			So(msg.Data, ShouldEqual, "line one\n")
			So(msg.LogType, ShouldEqual, "stdout")

			Convey("and disconnecting removes the subscription", func() {
				c.Close()
				deadline := time.Now().Add(2 * time.Second)
				for hub.Listeners(4) != 0 && time.Now().Before(deadline) {
					time.Sleep(10 * time.Millisecond)
				}
				So(hub.Listeners(4), ShouldEqual, 0)
			})
		})

		Convey("A bad token gets an error and a close", func() {
			send(c, map[string]string{"type": "authenticate", "token": "bad"})
			msg, err := recv(c)
			So(err, ShouldBeNil)
			So(msg.Type, ShouldEqual, TypeError)
			So(msg.Message, ShouldEqual, MsgInvalidToken)

			_, err = recv(c)
			So(websocket.IsCloseError(err, websocket.CloseNormalClosure), ShouldBeTrue)
		})

		Convey("Connections are independent", func() {
			c2, _, err := dial(srv, "")
			So(err, ShouldBeNil)
			defer c2.Close()

			send(c, map[string]string{"type": "authenticate", "token": "good"})
			_, err = recv(c)
			So(err, ShouldBeNil)
			send(c2, map[string]string{"type": "authenticate", "token": "bad"})
			_, err = recv(c2)
			So(err, ShouldBeNil)

			send(c, map[string]interface{}{"type": "subscribe", "serviceId": "4"})
			msg, err := recv(c)
			So(err, ShouldBeNil)
			So(msg.Type, ShouldEqual, TypeSubscribed)
		})
	})
}

func TestServerOrigins(t *testing.T) {
	Convey("Origins are checked", t, func() {
		hub := logvisor.NewHub()
		st := store.NewMemory()

		Convey("Same host only by default", func() {
			gw := NewServer(fakeVerifier{}, st, hub, Options{})
			srv := httptest.NewServer(gw)
			defer srv.Close()
			defer gw.Close()

			c, _, err := dial(srv, srv.URL)
			So(err, ShouldBeNil)
			c.Close()

			_, resp, err := dial(srv, "https://evil.example.com")
			So(err, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusForbidden)
		})

		Convey("An allow list is honored", func() {
			gw := NewServer(fakeVerifier{}, st, hub, Options{AllowedOrigins: []string{"https://panel.example.com/"}})
			srv := httptest.NewServer(gw)
			defer srv.Close()
			defer gw.Close()

			c, _, err := dial(srv, "https://PANEL.example.com")
			So(err, ShouldBeNil)
			c.Close()

			_, _, err = dial(srv, srv.URL)
			So(err, ShouldNotBeNil)
		})
	})
}
