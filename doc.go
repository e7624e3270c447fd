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

// Package logvisor supervises long-running external processes and fans
// their live output out to remote observers.
//
// A Supervisor owns the child processes it starts.  It keeps them in a
// registry keyed by ServiceID, captures stdout and stderr as they are
// written, and publishes every chunk to a Hub.  The Hub delivers chunks to
// whoever is subscribed at that moment; nothing is buffered for late
// subscribers, as this is a live tail and not an archive.
//
// Stopping a service is graduated.  An optional stop command runs first,
// then the process is sent SIGTERM, and finally SIGKILL if it is still
// around.  Each step checks that the process it is about to signal is the
// one that was asked to stop, so a service restarted under the same id is
// never hit by an older escalation.
//
// The realtime protocol that exposes the Hub lives in package gateway; the
// HTTP control-plane that maps user requests to Supervisor calls lives in
// package rest.  Service records and identities come from collaborators
// described by the Store and Verifier interfaces.
//
package logvisor
