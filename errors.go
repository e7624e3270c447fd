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
	"fmt"
)

var (
	ErrConfiguration   = errors.New("Bad service configuration")
	ErrSpawn           = errors.New("Failed to start process")
	ErrAlreadyRunning  = errors.New("Service is already running")
	ErrNotRunning      = errors.New("Service is not running")
	ErrEmptyCommand    = errors.New("Empty command")
	ErrServiceNotFound = errors.New("Service not found")
	ErrInvalidToken    = errors.New("Invalid token")
)

// ConfigurationError reports a start attempt rejected before any process
// was created, such as a missing working directory.  It is never retried.
type ConfigurationError struct {
	ID     ServiceID
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service %d: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("service %d: %s", e.ID, e.Reason)
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfiguration, e.Err}
	}
	return []error{ErrConfiguration}
}

// SpawnError reports that the operating system refused to create the
// process.
type SpawnError struct {
	ID      ServiceID
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("service %d: cannot spawn %q: %v", e.ID, e.Command, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrSpawn, e.Err}
}
