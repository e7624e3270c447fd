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

package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/gateway"
	"github.com/gdamore/logvisor/store"
)

// Client talks to a logvisord control plane.
type Client struct {
	base      string // URI to root of tree on server
	token     string
	client    *http.Client
	transport *http.Transport
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) url(id logvisor.ServiceID) string {
	if id == 0 {
		return c.base + "/services"
	}
	return c.base + "/services/" + strconv.FormatInt(int64(id), 10)
}

func (c *Client) do(ctx context.Context, method, target string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, e := json.Marshal(in)
		if e != nil {
			return e
		}
		body = bytes.NewReader(b)
	} else if method == http.MethodPost {
		body = bytes.NewReader(nil)
	}
	req, e := http.NewRequestWithContext(ctx, method, target, body)
	if e != nil {
		return e
	}
	if in != nil {
		req.Header.Set("Content-Type", mimeJson)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()

	data, e := io.ReadAll(res.Body)
	if e != nil {
		return e
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		re := &Error{}
		if json.Unmarshal(data, re) != nil || re.Message == "" {
			re.Message = res.Status
		}
		re.Code = res.StatusCode
		return re
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Services returns every service, ordered by id.
func (c *Client) Services(ctx context.Context) ([]*ServiceInfo, error) {
	var v []*ServiceInfo
	if e := c.do(ctx, http.MethodGet, c.url(0), nil, &v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) GetService(ctx context.Context, id logvisor.ServiceID) (*ServiceInfo, error) {
	v := &ServiceInfo{}
	if e := c.do(ctx, http.MethodGet, c.url(id), nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Running returns the services that currently have a process.
func (c *Client) Running(ctx context.Context) ([]RunningInfo, error) {
	var v []RunningInfo
	if e := c.do(ctx, http.MethodGet, c.base+"/running", nil, &v); e != nil {
		return nil, e
	}
	return v, nil
}

// CreateService adds a service.  The id in m is ignored; the new one is
// in the returned record.
func (c *Client) CreateService(ctx context.Context, m *store.Manifest) (*ServiceResult, error) {
	v := &ServiceResult{}
	if e := c.do(ctx, http.MethodPost, c.url(0), m, v); e != nil {
		return nil, e
	}
	return v, nil
}

// UpdateService replaces the definition of a service.  A running
// process keeps running with its old definition until restarted.
func (c *Client) UpdateService(ctx context.Context, id logvisor.ServiceID, m *store.Manifest) (*ServiceResult, error) {
	v := &ServiceResult{}
	if e := c.do(ctx, http.MethodPut, c.url(id), m, v); e != nil {
		return nil, e
	}
	return v, nil
}

// DeleteService stops the service if needed and removes it.
func (c *Client) DeleteService(ctx context.Context, id logvisor.ServiceID) (*ActionResult, error) {
	v := &ActionResult{}
	if e := c.do(ctx, http.MethodDelete, c.url(id), nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) postService(ctx context.Context, id logvisor.ServiceID, action string) (*ActionResult, error) {
	v := &ActionResult{}
	if e := c.do(ctx, http.MethodPost, c.url(id)+"/"+action, nil, v); e != nil {
		return nil, e
	}
	return v, nil
}

func (c *Client) StartService(ctx context.Context, id logvisor.ServiceID) (*ActionResult, error) {
	return c.postService(ctx, id, "start")
}

func (c *Client) StopService(ctx context.Context, id logvisor.ServiceID) (*ActionResult, error) {
	return c.postService(ctx, id, "stop")
}

func (c *Client) RestartService(ctx context.Context, id logvisor.ServiceID) (*ActionResult, error) {
	return c.postService(ctx, id, "restart")
}

func (c *Client) KillService(ctx context.Context, id logvisor.ServiceID) (*ActionResult, error) {
	return c.postService(ctx, id, "kill")
}

// wsURL maps the base URL onto the gateway endpoint.
func (c *Client) wsURL() (string, error) {
	u, e := url.Parse(c.base)
	if e != nil {
		return "", e
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

// Tail streams the live output of a service to fn until ctx is done,
// the connection fails, or fn returns an error.  Output produced before
// the subscription is not replayed.
func (c *Client) Tail(ctx context.Context, id logvisor.ServiceID, fn func(*gateway.Outbound) error) error {
	u, e := c.wsURL()
	if e != nil {
		return e
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: websocket.DefaultDialer.HandshakeTimeout,
	}
	if c.transport != nil {
		dialer.TLSClientConfig = c.transport.TLSClientConfig
	}
	conn, _, e := dialer.DialContext(ctx, u, nil)
	if e != nil {
		return e
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if e := conn.WriteJSON(&gateway.Inbound{Type: gateway.TypeAuthenticate, Token: c.token}); e != nil {
		return e
	}
	if e := expect(conn, gateway.TypeAuthenticated); e != nil {
		return e
	}
	raw, _ := json.Marshal(int64(id))
	if e := conn.WriteJSON(&gateway.Inbound{Type: gateway.TypeSubscribe, ServiceID: raw}); e != nil {
		return e
	}
	if e := expect(conn, gateway.TypeSubscribed); e != nil {
		return e
	}

	for {
		msg, e := readMessage(conn)
		if e != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return e
		}
		switch msg.Type {
		case gateway.TypeLog:
			if e := fn(msg); e != nil {
				return e
			}
		case gateway.TypeError:
			return errors.New(msg.Message)
		}
	}
}

func readMessage(conn *websocket.Conn) (*gateway.Outbound, error) {
	_, data, e := conn.ReadMessage()
	if e != nil {
		return nil, e
	}
	msg := &gateway.Outbound{}
	if e := json.Unmarshal(data, msg); e != nil {
		return nil, e
	}
	return msg, nil
}

func expect(conn *websocket.Conn, typ string) error {
	msg, e := readMessage(conn)
	if e != nil {
		return e
	}
	if msg.Type == gateway.TypeError {
		return errors.New(msg.Message)
	}
	if msg.Type != typ {
		return fmt.Errorf("expected %s, got %s", typ, msg.Type)
	}
	return nil
}

// NewClient returns a Client handle.  The transport maybe nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	return &Client{
		transport: t,
		base:      strings.TrimSuffix(baseURI, "/"),
		client:    &http.Client{Transport: t},
	}
}
