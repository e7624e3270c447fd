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
	"context"
)

// ServiceID identifies a service.  It is a key into the record store and
// carries no meaning of its own.
type ServiceID int64

// Status is the control-plane view of a service, persisted in the record
// store.  The Supervisor itself only knows running and not running.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Record is a service definition as kept by the record store.
type Record struct {
	ID               ServiceID `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Type             string    `json:"type,omitempty"`
	Port             int       `json:"port,omitempty"`
	ExternalPort     int       `json:"external_port,omitempty"`
	WorkingDirectory string    `json:"working_directory"`
	StartCommand     string    `json:"start_command"`
	StopCommand      string    `json:"stop_command,omitempty"`
	EnvironmentVars  string    `json:"environment_vars,omitempty"`
	AutoRestart      bool      `json:"auto_restart"`
	CreatedBy        string    `json:"created_by,omitempty"`
	Status           Status    `json:"status"`
	Pid              int       `json:"pid,omitempty"`
}

// Store is what a record store must implement.  Implementations must be
// safe for concurrent use.  Get, Delete and SetStatus return an error
// wrapping ErrServiceNotFound when no record has the given id.
type Store interface {
	// Get returns a copy of the record.
	Get(ctx context.Context, id ServiceID) (*Record, error)

	// List returns all records ordered by id.
	List(ctx context.Context) ([]*Record, error)

	// Put creates or replaces a record.
	Put(ctx context.Context, r *Record) error

	// Create stores r under the next free id, which is one more than
	// the highest id in use, and sets r.ID to it.
	Create(ctx context.Context, r *Record) error

	// Delete removes a record.
	Delete(ctx context.Context, id ServiceID) error

	// SetStatus records a status transition.  A pid of zero clears
	// the stored pid.
	SetStatus(ctx context.Context, id ServiceID, status Status, pid int) error
}

// Identity is the subject of a verified token.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Verifier checks bearer tokens.  Verify returns an error for missing,
// malformed or expired tokens; the core treats every error the same way.
type Verifier interface {
	Verify(token string) (*Identity, error)
}
