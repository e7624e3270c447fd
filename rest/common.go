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

// Package rest is the HTTP control plane.  It maps requests onto the
// Supervisor and keeps the record store's status in step with it.
package rest

import (
	"time"

	"github.com/gdamore/logvisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"
)

// RoleViewer may read but not control services.
const RoleViewer = "viewer"

// ServiceInfo is a service record as served by the API, with the
// Supervisor's view alongside.
type ServiceInfo struct {
	logvisor.Record
	Running   bool       `json:"running"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// RunningInfo describes one supervised process.
type RunningInfo struct {
	ID        logvisor.ServiceID `json:"id"`
	Pid       int                `json:"pid"`
	StartedAt time.Time          `json:"started_at"`
}

// ActionResult is the reply to start, stop, restart and kill.
type ActionResult struct {
	Message string `json:"message"`
	Pid     int    `json:"pid,omitempty"`
}

// ServiceResult is the reply to create and update.
type ServiceResult struct {
	Message string       `json:"message"`
	Service *ServiceInfo `json:"service,omitempty"`
}

type Health struct {
	Status  string `json:"status"`
	Running int    `json:"running"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}
