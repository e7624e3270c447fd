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
	"bytes"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/gdamore/logvisor"
)

// Client to server message types.
const (
	TypeAuthenticate = "authenticate"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
)

// Server to client message types.
const (
	TypeAuthenticated = "authenticated"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeLog           = "log"
	TypeError         = "error"
)

// Error texts sent to clients.
const (
	MsgNoToken       = "No token provided"
	MsgInvalidToken  = "Invalid token"
	MsgNotAuthed     = "Not authenticated"
	MsgInvalidID     = "Invalid service ID"
	MsgNotFound      = "Service not found"
	MsgDatabase      = "Database error"
	MsgUnknownType   = "Unknown message type"
	MsgInvalidFormat = "Invalid message format"
	MsgRateLimited   = "Rate limit exceeded"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Inbound is a command from the client.  ServiceID is kept raw because
// clients send it both as a number and as a string.
type Inbound struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	ServiceID json.RawMessage `json:"serviceId,omitempty"`
}

// Outbound is a message to the client.  Only the fields meaningful for
// Type are set.
type Outbound struct {
	Type      string              `json:"type"`
	ServiceID *logvisor.ServiceID `json:"serviceId,omitempty"`
	Data      string              `json:"data,omitempty"`
	LogType   string              `json:"logType,omitempty"`
	Timestamp string              `json:"timestamp,omitempty"`
	Message   string              `json:"message,omitempty"`
}

func errorMessage(text string) *Outbound {
	return &Outbound{Type: TypeError, Message: text}
}

func subscribedMessage(id logvisor.ServiceID) *Outbound {
	return &Outbound{Type: TypeSubscribed, ServiceID: &id}
}

func logMessage(ev logvisor.LogEvent) *Outbound {
	id := ev.ServiceID
	return &Outbound{
		Type:      TypeLog,
		ServiceID: &id,
		Data:      ev.Data,
		LogType:   string(ev.Channel),
		Timestamp: ev.Time.UTC().Format(timestampLayout),
	}
}

// parseServiceID accepts an integral JSON number or a string holding a
// decimal integer.
func parseServiceID(raw json.RawMessage) (logvisor.ServiceID, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, false
		}
		text = strings.TrimSpace(text)
	} else {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, false
		}
		text = n.String()
	}
	id, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		// integral values written with an exponent or fraction, e.g. 3.0
		f, ferr := strconv.ParseFloat(text, 64)
		if ferr != nil || raw[0] == '"' || f != float64(int64(f)) {
			return 0, false
		}
		id = int64(f)
	}
	return logvisor.ServiceID(id), true
}
