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
	"io"
	"os"
	"sync"
	"syscall"
	"time"
)

// chunkSize bounds a single LogEvent.  Reads return whatever the child
// has written so far, up to this many bytes.
const chunkSize = 32 * 1024

// ProcessHandle describes a running child process.  Handles are owned by
// the Supervisor registry and are only valid while the process is
// registered; a handle that was replaced or removed is never signaled
// again.
type ProcessHandle struct {
	ServiceID ServiceID
	Pid       int
	StartedAt time.Time

	proc     *os.Process
	gen      uint64
	dir      string
	env      []string
	done     chan struct{}
	timers   []*time.Timer // escalation, guarded by the Supervisor lock
	stopping bool          // stop or kill was requested
}

// ExitInfo describes how a supervised process ended.
type ExitInfo struct {
	ServiceID ServiceID
	Pid       int
	Code      int    // -1 when killed by a signal or not known
	Signal    string // e.g. "SIGTERM", empty for a normal exit
	Requested bool   // Stop or Kill was called for this process
	Err       error  // set when waiting failed; Code and Signal are then unknown
	Uptime    time.Duration
}

// Message renders the system log line published when the process ends.
func (x ExitInfo) Message() string {
	switch {
	case x.Err != nil:
		return fmt.Sprintf("Process error: %v\n", x.Err)
	case x.Signal != "":
		return fmt.Sprintf("Process exited with code null (signal: %s)\n", x.Signal)
	default:
		return fmt.Sprintf("Process exited with code %d\n", x.Code)
	}
}

func (h *ProcessHandle) stopTimers() {
	for _, t := range h.timers {
		t.Stop()
	}
	h.timers = nil
}

// signal delivers sig.  A process that has already gone is in the state
// the caller wanted, so that is not an error.
func (h *ProcessHandle) signal(sig os.Signal) error {
	if e := h.proc.Signal(sig); e != nil && !processGone(e) {
		return e
	}
	return nil
}

func processGone(e error) bool {
	return errors.Is(e, os.ErrProcessDone) || errors.Is(e, syscall.ESRCH)
}

// pump copies one output stream of the child to the hub.
func (s *Supervisor) pump(h *ProcessHandle, r io.ReadCloser, ch Channel, wg *sync.WaitGroup) {
	defer wg.Done()
	defer r.Close()

	buf := make([]byte, chunkSize)
	for {
		n, e := r.Read(buf)
		if n > 0 {
			s.hub.Publish(h.ServiceID, string(buf[:n]), ch)
		}
		if e != nil {
			if e != io.EOF {
				s.log().Debug().Err(e).Int64("service", int64(h.ServiceID)).
					Str("channel", string(ch)).Msg("output stream closed")
			}
			return
		}
	}
}

func newExitInfo(h *ProcessHandle, ps *os.ProcessState, werr error) ExitInfo {
	info := ExitInfo{
		ServiceID: h.ServiceID,
		Pid:       h.Pid,
		Code:      -1,
		Uptime:    time.Since(h.StartedAt),
	}
	if ps == nil {
		if werr == nil {
			werr = errors.New("unknown wait status")
		}
		info.Err = werr
		return info
	}
	info.Code, info.Signal = exitStatus(ps)
	return info
}
