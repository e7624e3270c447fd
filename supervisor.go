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
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gdamore/logvisor/internal/logging"
	"github.com/gdamore/logvisor/internal/metrics"
)

const (
	// DefaultStopGrace is how long a stop command gets before the
	// process is sent SIGTERM.
	DefaultStopGrace = 2 * time.Second

	// DefaultKillGrace is how long SIGTERM gets before SIGKILL.
	DefaultKillGrace = 5 * time.Second

	// drainWait bounds how long the exit event waits for the output
	// pipes to be drained.  A grandchild holding the pipes open must
	// not hold up the exit notice.
	drainWait = 500 * time.Millisecond
)

// Supervisor starts and stops processes on behalf of services, and
// routes their output to a Hub.  The registry is private to each
// Supervisor, so independent instances do not see each other.
//
// All methods are safe for concurrent use.  Operations are individually
// atomic, but a sequence such as IsRunning followed by Start is not.
type Supervisor struct {
	name      string
	hub       *Hub
	procs     map[ServiceID]*ProcessHandle
	starting  map[ServiceID]bool
	onExit    []func(ExitInfo)
	logger    zerolog.Logger
	stopGrace time.Duration
	killGrace time.Duration
	gen       uint64
	created   time.Time
	reapers   sync.WaitGroup
	mx        sync.Mutex
}

func (s *Supervisor) lock() {
	s.mx.Lock()
}

func (s *Supervisor) unlock() {
	s.mx.Unlock()
}

// NewSupervisor returns an empty Supervisor publishing to hub.  A nil
// hub gets a private one, available through Hub.
func NewSupervisor(name string, hub *Hub) *Supervisor {
	if name == "" {
		name = "logvisor"
	}
	if hub == nil {
		hub = NewHub()
	}
	return &Supervisor{
		name:      name,
		hub:       hub,
		procs:     make(map[ServiceID]*ProcessHandle),
		starting:  make(map[ServiceID]bool),
		logger:    logging.Component("supervisor").With().Str("supervisor", name).Logger(),
		stopGrace: DefaultStopGrace,
		killGrace: DefaultKillGrace,
		created:   time.Now(),
	}
}

// Name returns the name the supervisor was created with.
func (s *Supervisor) Name() string {
	return s.name
}

// Hub returns the hub process output is published to.
func (s *Supervisor) Hub() *Hub {
	return s.hub
}

// SetLogger replaces the logger used for the supervisor's own messages.
func (s *Supervisor) SetLogger(l zerolog.Logger) {
	s.lock()
	s.logger = l
	s.unlock()
}

// SetGracePeriods changes the stop escalation intervals.  Zero values
// leave the current setting alone.  It affects stops requested later.
func (s *Supervisor) SetGracePeriods(stop, kill time.Duration) {
	s.lock()
	if stop > 0 {
		s.stopGrace = stop
	}
	if kill > 0 {
		s.killGrace = kill
	}
	s.unlock()
}

// OnExit registers fn to be called, on the reaper goroutine, after a
// process has been reaped and its exit published.
func (s *Supervisor) OnExit(fn func(ExitInfo)) {
	s.lock()
	s.onExit = append(s.onExit, fn)
	s.unlock()
}

func (s *Supervisor) log() *zerolog.Logger {
	s.lock()
	l := s.logger
	s.unlock()
	return &l
}

// owns reports whether h is still the registered process for its
// service.  Call with the lock held.
func (s *Supervisor) owns(h *ProcessHandle) bool {
	return s.procs[h.ServiceID] == h
}

// remove drops h from the registry if it is still registered there.
// Call with the lock held.
func (s *Supervisor) remove(h *ProcessHandle) bool {
	if !s.owns(h) {
		return false
	}
	delete(s.procs, h.ServiceID)
	metrics.ProcessesRunning.Set(float64(len(s.procs)))
	return true
}

// Start launches command for the service and returns its pid.  The
// process may not have written anything yet when Start returns.
//
// Commands are not run through a shell.  The command is split on
// whitespace and the first word is executed directly, so variable
// expansion, quoting, pipes and && have no special meaning.  A service
// that needs them can name a shell explicitly, as in "sh script.sh".
//
// Start fails with a *ConfigurationError if workingDir is not an
// existing directory or the command is empty, with ErrAlreadyRunning if
// the service already has a live process (or another Start for it is in
// progress), and with a *SpawnError if the process cannot be created.
func (s *Supervisor) Start(id ServiceID, command, workingDir, envSpec string) (int, error) {
	if fi, e := os.Stat(workingDir); e != nil {
		metrics.ProcessStarts.WithLabelValues("config_error").Inc()
		return 0, &ConfigurationError{ID: id, Reason: "working directory does not exist: " + workingDir, Err: e}
	} else if !fi.IsDir() {
		metrics.ProcessStarts.WithLabelValues("config_error").Inc()
		return 0, &ConfigurationError{ID: id, Reason: "working directory is not a directory: " + workingDir}
	}
	exe, args, e := ParseCommand(command)
	if e != nil {
		metrics.ProcessStarts.WithLabelValues("config_error").Inc()
		return 0, &ConfigurationError{ID: id, Reason: "bad start command", Err: e}
	}

	s.lock()
	if h := s.procs[id]; h != nil {
		if alive(h.proc) {
			s.unlock()
			metrics.ProcessStarts.WithLabelValues("already_running").Inc()
			return 0, ErrAlreadyRunning
		}
		s.remove(h)
	}
	if s.starting[id] {
		s.unlock()
		metrics.ProcessStarts.WithLabelValues("already_running").Inc()
		return 0, ErrAlreadyRunning
	}
	s.starting[id] = true
	s.unlock()

	h, stdout, stderr, e := s.spawn(id, exe, args, workingDir, envSpec)

	s.lock()
	delete(s.starting, id)
	if e != nil {
		s.unlock()
		metrics.ProcessStarts.WithLabelValues("spawn_error").Inc()
		s.hub.Publish(id, fmt.Sprintf("Process error: %v\n", e), ChannelStderr)
		s.log().Error().Err(e).Int64("service", int64(id)).Str("command", command).Msg("spawn failed")
		return 0, &SpawnError{ID: id, Command: command, Err: e}
	}
	s.gen++
	h.gen = s.gen
	s.procs[id] = h
	metrics.ProcessesRunning.Set(float64(len(s.procs)))
	s.reapers.Add(1)
	s.unlock()
	metrics.ProcessStarts.WithLabelValues("ok").Inc()

	s.log().Info().Int64("service", int64(id)).Int("pid", h.Pid).
		Str("command", command).Str("dir", workingDir).Msg("process started")

	pumps := &sync.WaitGroup{}
	pumps.Add(2)
	go s.pump(h, stdout, ChannelStdout, pumps)
	go s.pump(h, stderr, ChannelStderr, pumps)
	go s.reap(h, pumps)

	return h.Pid, nil
}

// spawn creates the child with its output on fresh pipes.  The child
// holds the only write ends, so readers see EOF once it and anything it
// passed them to are gone; reaping does not depend on the pipes.
func (s *Supervisor) spawn(id ServiceID, exe string, args []string, dir, envSpec string) (*ProcessHandle, *os.File, *os.File, error) {
	cmd := exec.Command(exe, args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), ParseEnv(envSpec))
	cmd.SysProcAttr = sysProcAttr()

	outR, outW, e := os.Pipe()
	if e != nil {
		return nil, nil, nil, e
	}
	errR, errW, e := os.Pipe()
	if e != nil {
		outR.Close()
		outW.Close()
		return nil, nil, nil, e
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	e = cmd.Start()
	outW.Close()
	errW.Close()
	if e != nil {
		outR.Close()
		errR.Close()
		return nil, nil, nil, e
	}

	h := &ProcessHandle{
		ServiceID: id,
		Pid:       cmd.Process.Pid,
		StartedAt: time.Now(),
		proc:      cmd.Process,
		dir:       dir,
		env:       cmd.Env,
		done:      make(chan struct{}),
	}
	return h, outR, errR, nil
}

func (s *Supervisor) reap(h *ProcessHandle, pumps *sync.WaitGroup) {
	defer s.reapers.Done()

	ps, werr := h.proc.Wait()
	info := newExitInfo(h, ps, werr)

	s.lock()
	h.stopTimers()
	s.remove(h)
	info.Requested = h.stopping
	hooks := append([]func(ExitInfo){}, s.onExit...)
	s.unlock()
	// Waiters on Done resume only once the exit is published and the
	// hooks have seen it.
	defer close(h.done)

	if info.Signal != "" {
		metrics.ProcessExits.WithLabelValues("signaled").Inc()
	} else {
		metrics.ProcessExits.WithLabelValues("exited").Inc()
	}

	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainWait):
	}

	ch := ChannelSystem
	if info.Err != nil {
		ch = ChannelStderr
	}
	s.hub.Publish(h.ServiceID, info.Message(), ch)
	s.log().Info().Int64("service", int64(h.ServiceID)).Int("pid", h.Pid).
		Int("code", info.Code).Str("signal", info.Signal).Bool("requested", info.Requested).
		Dur("uptime", info.Uptime).Msg("process exited")

	for _, fn := range hooks {
		fn(info)
	}
}

// sendSignal signals h unless it has been replaced or reaped.
func (s *Supervisor) sendSignal(h *ProcessHandle, sig os.Signal) {
	s.lock()
	live := s.owns(h)
	s.unlock()
	if !live {
		return
	}
	s.deliver(h, sig)
}

func (s *Supervisor) deliver(h *ProcessHandle, sig os.Signal) {
	name := signalName(sig)
	metrics.SignalsSent.WithLabelValues(name).Inc()
	if e := h.signal(sig); e != nil {
		s.log().Warn().Err(e).Int64("service", int64(h.ServiceID)).Int("pid", h.Pid).
			Str("signal", name).Msg("signal failed")
		return
	}
	s.log().Info().Int64("service", int64(h.ServiceID)).Int("pid", h.Pid).
		Str("signal", name).Msg("signal sent")
}

// schedule runs fn after d, but only if h is still the registered
// process at that time.  The timer is stopped when h is reaped.
func (s *Supervisor) schedule(h *ProcessHandle, d time.Duration, fn func()) {
	s.lock()
	defer s.unlock()
	if !s.owns(h) {
		return
	}
	t := time.AfterFunc(d, func() {
		s.lock()
		live := s.owns(h)
		s.unlock()
		if live {
			fn()
		}
	})
	h.timers = append(h.timers, t)
}

// Stop asks the service's process to exit and returns whether there was
// a process to stop.  It does not wait; use Done for that.
//
// With a stop command, the command is started detached and the process
// is given the stop grace period before it is sent SIGTERM.  Without
// one, SIGTERM is sent at once.  Either way SIGKILL follows after the
// kill grace period if the process is still registered.  Each step
// targets only the process that was running when Stop was called.
func (s *Supervisor) Stop(id ServiceID, stopCommand string) bool {
	s.lock()
	h := s.procs[id]
	if h == nil {
		s.unlock()
		return false
	}
	h.stopping = true
	stopGrace, killGrace := s.stopGrace, s.killGrace
	s.unlock()

	if strings.TrimSpace(stopCommand) != "" {
		if e := s.runStopCommand(h, stopCommand, stopGrace+killGrace); e == nil {
			s.schedule(h, stopGrace, func() {
				s.deliver(h, terminateSignal)
				s.schedule(h, killGrace, func() {
					s.deliver(h, os.Kill)
				})
			})
			return true
		} else {
			s.log().Warn().Err(e).Int64("service", int64(id)).Str("command", stopCommand).
				Msg("stop command failed, terminating instead")
		}
	}

	s.sendSignal(h, terminateSignal)
	s.schedule(h, killGrace, func() {
		s.deliver(h, os.Kill)
	})
	return true
}

// runStopCommand starts the stop command in the service's directory and
// environment, with PID set to the target's pid.  Its output is
// discarded, and it is killed if still running after limit.
func (s *Supervisor) runStopCommand(h *ProcessHandle, command string, limit time.Duration) error {
	exe, args, e := ParseCommand(command)
	if e != nil {
		return e
	}
	cmd := exec.Command(exe, args...)
	cmd.Dir = h.dir
	cmd.Env = append(append(make([]string, 0, len(h.env)+1), h.env...), "PID="+strconv.Itoa(h.Pid))
	cmd.SysProcAttr = sysProcAttr()
	if e := cmd.Start(); e != nil {
		return e
	}
	s.log().Info().Int64("service", int64(h.ServiceID)).Int("pid", h.Pid).
		Str("command", command).Msg("stop command started")

	proc := cmd.Process
	go func() {
		t := time.AfterFunc(limit, func() {
			s.log().Warn().Int64("service", int64(h.ServiceID)).Msg("timeout waiting for stop command")
			proc.Kill()
		})
		cmd.Wait()
		t.Stop()
	}()
	return nil
}

// Kill sends SIGKILL and forgets the process immediately.  It returns
// false if the service had no process.
func (s *Supervisor) Kill(id ServiceID) bool {
	s.lock()
	h := s.procs[id]
	if h == nil {
		s.unlock()
		return false
	}
	h.stopping = true
	h.stopTimers()
	s.remove(h)
	s.unlock()

	s.deliver(h, os.Kill)
	return true
}

// IsRunning reports whether the service has a live process.  An entry
// whose process turns out to be gone is removed.
func (s *Supervisor) IsRunning(id ServiceID) bool {
	s.lock()
	h := s.procs[id]
	s.unlock()
	if h == nil {
		return false
	}
	if alive(h.proc) {
		return true
	}

	s.lock()
	removed := s.remove(h)
	s.unlock()
	if removed {
		s.log().Warn().Int64("service", int64(id)).Int("pid", h.Pid).Msg("removed stale process entry")
	}
	return false
}

// Pid returns the pid of the service's process, if it has one.
func (s *Supervisor) Pid(id ServiceID) (int, bool) {
	s.lock()
	defer s.unlock()
	if h := s.procs[id]; h != nil {
		return h.Pid, true
	}
	return 0, false
}

// Handle returns a copy of the registry entry for id, without its
// internal state.
func (s *Supervisor) Handle(id ServiceID) (ProcessHandle, bool) {
	s.lock()
	defer s.unlock()
	if h := s.procs[id]; h != nil {
		return ProcessHandle{ServiceID: h.ServiceID, Pid: h.Pid, StartedAt: h.StartedAt}, true
	}
	return ProcessHandle{}, false
}

// Running returns the ids of all registered services in ascending order.
func (s *Supervisor) Running() []ServiceID {
	s.lock()
	ids := make([]ServiceID, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Done returns a channel that is closed once the service's current
// process has been reaped, its exit published and the OnExit hooks
// run.  If there is no process the channel is already closed.
func (s *Supervisor) Done(id ServiceID) <-chan struct{} {
	s.lock()
	defer s.unlock()
	if h := s.procs[id]; h != nil {
		return h.done
	}
	c := make(chan struct{})
	close(c)
	return c
}

// Subscribe subscribes fn to the service's output.  See Hub.Subscribe.
func (s *Supervisor) Subscribe(id ServiceID, fn Listener) func() {
	return s.hub.Subscribe(id, fn)
}

// Shutdown terminates every process and waits for them to be reaped.
// Processes still around when ctx is done are killed.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.lock()
	handles := make([]*ProcessHandle, 0, len(s.procs))
	for _, h := range s.procs {
		h.stopping = true
		handles = append(handles, h)
	}
	s.unlock()

	s.log().Info().Int("processes", len(handles)).Msg("shutting down")
	for _, h := range handles {
		s.sendSignal(h, terminateSignal)
	}

	all := make(chan struct{})
	go func() {
		s.reapers.Wait()
		close(all)
	}()

	select {
	case <-all:
		return
	case <-ctx.Done():
	}
	for _, h := range handles {
		s.sendSignal(h, os.Kill)
	}
	select {
	case <-all:
	case <-time.After(s.killGraceLocked()):
		s.log().Error().Msg("processes survived SIGKILL")
	}
}

func (s *Supervisor) killGraceLocked() time.Duration {
	s.lock()
	defer s.unlock()
	return s.killGrace
}
