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
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/internal/logging"
	"github.com/gdamore/logvisor/internal/metrics"
	"github.com/gdamore/logvisor/store"
)

// maxBodySize bounds create and update request bodies.
const maxBodySize = 1 << 20

// Options configure a Handler.  Zero durations take defaults.
type Options struct {
	// RestartWait bounds how long stop and restart wait for the old
	// process to go away.
	RestartWait time.Duration

	// RestartDelay is the pause between stopping and starting again,
	// both for restart requests and automatic restarts.
	RestartDelay time.Duration

	// Gateway, if set, is served at /ws without HTTP authentication.
	Gateway http.Handler
}

// Handler wraps a Supervisor and a record store, adding http.Handler
// functionality.
type Handler struct {
	sup      *logvisor.Supervisor
	store    logvisor.Store
	verifier logvisor.Verifier
	r        *mux.Router
	opts     Options
	logger   zerolog.Logger
	pending  map[*time.Timer]struct{}
	closed   bool
	mx       sync.Mutex
}

type ctxKey struct{}

// IdentityFrom returns the identity of an authenticated request.
func IdentityFrom(ctx context.Context) *logvisor.Identity {
	id, _ := ctx.Value(ctxKey{}).(*logvisor.Identity)
	return id
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeJsonStatus(w http.ResponseWriter, code int, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(code)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// authenticate checks the bearer token of API requests.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(auth, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			h.writeError(w, &Error{http.StatusUnauthorized, "No token provided"})
			return
		}
		id, e := h.verifier.Verify(strings.TrimSpace(token))
		if e != nil {
			h.writeError(w, &Error{http.StatusUnauthorized, "Invalid token"})
			return
		}
		if r.Method != http.MethodGet && id.Role == RoleViewer {
			h.writeError(w, &Error{http.StatusForbidden, "Permission denied"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument counts requests per route and status.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		action := "unknown"
		if route := mux.CurrentRoute(r); route != nil && route.GetName() != "" {
			action = route.GetName()
		}
		metrics.ControlRequests.WithLabelValues(action, strconv.Itoa(rec.code)).Inc()
	})
}

func (h *Handler) findService(r *http.Request) (*logvisor.Record, *Error) {
	vars := mux.Vars(r)
	n, e := strconv.ParseInt(vars["id"], 10, 64)
	if e != nil {
		return nil, &Error{http.StatusBadRequest, "Invalid service ID"}
	}
	rec, e := h.store.Get(r.Context(), logvisor.ServiceID(n))
	if errors.Is(e, logvisor.ErrServiceNotFound) {
		return nil, &Error{http.StatusNotFound, "Service not found"}
	}
	if e != nil {
		h.logger.Error().Err(e).Int64("service", n).Msg("service lookup failed")
		return nil, &Error{http.StatusInternalServerError, "Database error"}
	}
	return rec, nil
}

func (h *Handler) setStatus(ctx context.Context, id logvisor.ServiceID, st logvisor.Status, pid int) {
	e := h.store.SetStatus(ctx, id, st, pid)
	if errors.Is(e, logvisor.ErrServiceNotFound) {
		// deleted while its process was winding down
		h.logger.Debug().Int64("service", int64(id)).Str("status", string(st)).Msg("status for deleted service dropped")
		return
	}
	if e != nil {
		h.logger.Error().Err(e).Int64("service", int64(id)).Str("status", string(st)).
			Msg("failed to record status")
	}
}

// reconcile corrects the stored status where it disagrees with the
// Supervisor, which is authoritative.
func (h *Handler) reconcile(ctx context.Context, rec *logvisor.Record) *ServiceInfo {
	info := &ServiceInfo{Record: *rec}
	ph, running := h.sup.Handle(rec.ID)
	if running && !h.sup.IsRunning(rec.ID) {
		running = false
	}
	info.Running = running

	switch {
	case running:
		started := ph.StartedAt
		info.StartedAt = &started
		want := logvisor.StatusRunning
		if rec.Status == logvisor.StatusStopping {
			want = logvisor.StatusStopping
		}
		if rec.Status != want || rec.Pid != ph.Pid {
			info.Status, info.Pid = want, ph.Pid
			h.setStatus(ctx, rec.ID, want, ph.Pid)
		}
	case rec.Status == logvisor.StatusRunning ||
		rec.Status == logvisor.StatusStarting ||
		rec.Status == logvisor.StatusStopping:
		info.Status, info.Pid = logvisor.StatusStopped, 0
		h.setStatus(ctx, rec.ID, logvisor.StatusStopped, 0)
	}
	return info
}

func (h *Handler) listServices(w http.ResponseWriter, r *http.Request) {
	recs, e := h.store.List(r.Context())
	if e != nil {
		h.logger.Error().Err(e).Msg("service list failed")
		h.writeError(w, &Error{http.StatusInternalServerError, "Database error"})
		return
	}
	l := make([]*ServiceInfo, 0, len(recs))
	for _, rec := range recs {
		l = append(l, h.reconcile(r.Context(), rec))
	}
	h.writeJson(w, l)
}

func (h *Handler) getService(w http.ResponseWriter, r *http.Request) {
	if rec, e := h.findService(r); e != nil {
		h.writeError(w, e)
	} else {
		h.writeJson(w, h.reconcile(r.Context(), rec))
	}
}

// readManifest decodes a create or update body.
func (h *Handler) readManifest(r *http.Request) (*store.Manifest, *Error) {
	m := &store.Manifest{}
	if e := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(m); e != nil {
		return nil, &Error{http.StatusBadRequest, "Invalid request body"}
	}
	if m.Name == "" || m.Type == "" || m.WorkingDirectory == "" || strings.TrimSpace(m.StartCommand) == "" {
		return nil, &Error{http.StatusBadRequest, "Missing required fields"}
	}
	return m, nil
}

func (h *Handler) createService(w http.ResponseWriter, r *http.Request) {
	m, err := h.readManifest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec := m.Record()
	if id := IdentityFrom(r.Context()); id != nil {
		rec.CreatedBy = id.Username
	}
	if e := h.store.Create(r.Context(), rec); e != nil {
		h.logger.Error().Err(e).Str("name", rec.Name).Msg("service create failed")
		h.writeError(w, &Error{http.StatusInternalServerError, "Database error"})
		return
	}
	h.logAction(r, rec, "create")
	h.writeJsonStatus(w, http.StatusCreated, &ServiceResult{
		Message: "Service created successfully",
		Service: &ServiceInfo{Record: *rec},
	})
}

// updateService replaces the definition but keeps the runtime state.  A
// running process is not touched; the new definition applies from its
// next start.
func (h *Handler) updateService(w http.ResponseWriter, r *http.Request) {
	old, err := h.findService(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	m, err := h.readManifest(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	rec := m.Record()
	rec.ID = old.ID
	rec.CreatedBy = old.CreatedBy
	rec.Status, rec.Pid = old.Status, old.Pid
	if e := h.store.Put(r.Context(), rec); e != nil {
		h.logger.Error().Err(e).Int64("service", int64(rec.ID)).Msg("service update failed")
		h.writeError(w, &Error{http.StatusInternalServerError, "Database error"})
		return
	}
	h.logAction(r, rec, "update")
	h.writeJson(w, &ServiceResult{
		Message: "Service updated successfully",
		Service: h.reconcile(r.Context(), rec),
	})
}

// deleteService stops a running service before removing its record.
func (h *Handler) deleteService(w http.ResponseWriter, r *http.Request) {
	rec, err := h.findService(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logAction(r, rec, "delete")
	if h.sup.IsRunning(rec.ID) && !h.stop(r.Context(), rec, true) {
		h.writeError(w, &Error{http.StatusInternalServerError, "Service did not stop"})
		return
	}
	if e := h.store.Delete(r.Context(), rec.ID); e != nil && !errors.Is(e, logvisor.ErrServiceNotFound) {
		h.logger.Error().Err(e).Int64("service", int64(rec.ID)).Msg("service delete failed")
		h.writeError(w, &Error{http.StatusInternalServerError, "Database error"})
		return
	}
	h.writeJson(w, &ActionResult{Message: "Service deleted successfully"})
}

// start launches rec and records the outcome.
func (h *Handler) start(ctx context.Context, rec *logvisor.Record) (int, *Error) {
	h.setStatus(ctx, rec.ID, logvisor.StatusStarting, 0)
	pid, e := h.sup.Start(rec.ID, rec.StartCommand, rec.WorkingDirectory, rec.EnvironmentVars)
	switch {
	case e == nil:
		h.setStatus(ctx, rec.ID, logvisor.StatusRunning, pid)
		return pid, nil
	case errors.Is(e, logvisor.ErrAlreadyRunning):
		return 0, &Error{http.StatusBadRequest, "Service is already running"}
	case errors.Is(e, logvisor.ErrConfiguration):
		h.setStatus(ctx, rec.ID, logvisor.StatusError, 0)
		return 0, &Error{http.StatusBadRequest, e.Error()}
	default:
		h.setStatus(ctx, rec.ID, logvisor.StatusError, 0)
		return 0, &Error{http.StatusInternalServerError, e.Error()}
	}
}

// stop asks the process to exit and waits, up to RestartWait, for it to
// do so.  A process still around after that is killed when force is set.
func (h *Handler) stop(ctx context.Context, rec *logvisor.Record, force bool) bool {
	done := h.sup.Done(rec.ID)
	h.setStatus(ctx, rec.ID, logvisor.StatusStopping, rec.Pid)
	if !h.sup.Stop(rec.ID, rec.StopCommand) {
		h.setStatus(ctx, rec.ID, logvisor.StatusStopped, 0)
		return true
	}
	t := time.NewTimer(h.opts.RestartWait)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		if !force {
			return false
		}
		h.logger.Warn().Int64("service", int64(rec.ID)).Msg("process did not stop in time, killing")
		h.sup.Kill(rec.ID)
		select {
		case <-done:
		case <-time.After(h.opts.RestartWait):
			return false
		}
	case <-ctx.Done():
		return false
	}
	h.setStatus(ctx, rec.ID, logvisor.StatusStopped, 0)
	return true
}

func (h *Handler) startService(w http.ResponseWriter, r *http.Request) {
	rec, e := h.findService(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	if h.sup.IsRunning(rec.ID) {
		h.writeError(w, &Error{http.StatusBadRequest, "Service is already running"})
		return
	}
	pid, e := h.start(r.Context(), rec)
	if e != nil {
		h.writeError(w, e)
		return
	}
	h.logAction(r, rec, "start")
	h.writeJson(w, &ActionResult{Message: "Service started successfully", Pid: pid})
}

func (h *Handler) stopService(w http.ResponseWriter, r *http.Request) {
	rec, e := h.findService(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	if !h.sup.IsRunning(rec.ID) {
		h.writeError(w, &Error{http.StatusBadRequest, "Service is not running"})
		return
	}
	h.logAction(r, rec, "stop")
	if !h.stop(r.Context(), rec, false) {
		h.writeJson(w, &ActionResult{Message: "Service is stopping"})
		return
	}
	h.writeJson(w, &ActionResult{Message: "Service stopped successfully"})
}

func (h *Handler) restartService(w http.ResponseWriter, r *http.Request) {
	rec, e := h.findService(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	h.logAction(r, rec, "restart")
	if h.sup.IsRunning(rec.ID) {
		if !h.stop(r.Context(), rec, true) {
			h.writeError(w, &Error{http.StatusInternalServerError, "Service did not stop"})
			return
		}
		select {
		case <-time.After(h.opts.RestartDelay):
		case <-r.Context().Done():
			return
		}
	}
	pid, e := h.start(r.Context(), rec)
	if e != nil {
		h.writeError(w, e)
		return
	}
	h.writeJson(w, &ActionResult{Message: "Service restarted successfully", Pid: pid})
}

func (h *Handler) killService(w http.ResponseWriter, r *http.Request) {
	rec, e := h.findService(r)
	if e != nil {
		h.writeError(w, e)
		return
	}
	if !h.sup.Kill(rec.ID) {
		h.writeError(w, &Error{http.StatusBadRequest, "Service is not running"})
		return
	}
	h.logAction(r, rec, "kill")
	h.setStatus(r.Context(), rec.ID, logvisor.StatusStopped, 0)
	h.writeJson(w, &ActionResult{Message: "Service killed"})
}

func (h *Handler) listRunning(w http.ResponseWriter, r *http.Request) {
	ids := h.sup.Running()
	l := make([]RunningInfo, 0, len(ids))
	for _, id := range ids {
		if ph, ok := h.sup.Handle(id); ok {
			l = append(l, RunningInfo{ID: id, Pid: ph.Pid, StartedAt: ph.StartedAt})
		}
	}
	h.writeJson(w, l)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, &Health{Status: "ok", Running: len(h.sup.Running())})
}

func (h *Handler) logAction(r *http.Request, rec *logvisor.Record, action string) {
	ev := h.logger.Info().Int64("service", int64(rec.ID)).Str("name", rec.Name).Str("action", action)
	if id := IdentityFrom(r.Context()); id != nil {
		ev = ev.Str("user", id.Username)
	}
	ev.Msg("control request")
}

// processExited records how a process ended and restarts services that
// ask for it.  Exits the control plane asked for are left alone.
func (h *Handler) processExited(x logvisor.ExitInfo) {
	if pid, ok := h.sup.Pid(x.ServiceID); ok && pid != x.Pid {
		// a newer process already owns the service
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if x.Requested {
		h.setStatus(ctx, x.ServiceID, logvisor.StatusStopped, 0)
		return
	}
	st := logvisor.StatusStopped
	if x.Code != 0 || x.Signal != "" || x.Err != nil {
		st = logvisor.StatusError
	}
	h.setStatus(ctx, x.ServiceID, st, 0)

	rec, e := h.store.Get(ctx, x.ServiceID)
	if e != nil || !rec.AutoRestart {
		return
	}
	h.scheduleRestart(rec)
}

func (h *Handler) scheduleRestart(rec *logvisor.Record) {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(h.opts.RestartDelay, func() {
		h.mx.Lock()
		delete(h.pending, t)
		closed := h.closed
		h.mx.Unlock()
		if closed || h.sup.IsRunning(rec.ID) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// the service may have been edited or deleted meanwhile
		cur, err := h.store.Get(ctx, rec.ID)
		if err != nil || !cur.AutoRestart {
			return
		}
		if pid, e := h.start(ctx, cur); e != nil {
			h.logger.Error().Int64("service", int64(rec.ID)).Str("error", e.Message).Msg("automatic restart failed")
		} else {
			h.logger.Info().Int64("service", int64(rec.ID)).Int("pid", pid).Msg("service restarted automatically")
		}
	})
	h.pending[t] = struct{}{}
	h.logger.Info().Int64("service", int64(rec.ID)).Dur("delay", h.opts.RestartDelay).Msg("automatic restart scheduled")
}

// Close cancels pending automatic restarts.  Later exits are only
// recorded.
func (h *Handler) Close() {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.closed = true
	for t := range h.pending {
		t.Stop()
	}
	h.pending = nil
}

// StartAll starts every stored service that is not already running and
// returns how many were started.  Failures are logged and recorded in
// the store.
func (h *Handler) StartAll(ctx context.Context) (int, error) {
	recs, e := h.store.List(ctx)
	if e != nil {
		return 0, e
	}
	n := 0
	for _, rec := range recs {
		if h.sup.IsRunning(rec.ID) {
			continue
		}
		if pid, err := h.start(ctx, rec); err != nil {
			h.logger.Error().Int64("service", int64(rec.ID)).Str("error", err.Message).Msg("start failed")
		} else {
			h.logger.Info().Int64("service", int64(rec.ID)).Int("pid", pid).Msg("service started")
			n++
		}
	}
	return n, nil
}

// SetLogger replaces the logger.  Call it before serving requests.
func (h *Handler) SetLogger(l zerolog.Logger) {
	h.logger = l
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(sup *logvisor.Supervisor, st logvisor.Store, v logvisor.Verifier, opts Options) *Handler {
	if opts.RestartWait <= 0 {
		opts.RestartWait = 10 * time.Second
	}
	if opts.RestartDelay < 0 {
		opts.RestartDelay = 0
	}
	r := mux.NewRouter()
	h := &Handler{
		sup:      sup,
		store:    st,
		verifier: v,
		r:        r,
		opts:     opts,
		logger:   logging.Component("rest"),
		pending:  make(map[*time.Timer]struct{}),
	}

	r.HandleFunc("/healthz", h.health).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	if opts.Gateway != nil {
		r.Handle("/ws", opts.Gateway)
	}

	api := r.NewRoute().Subrouter()
	api.Use(h.instrument, h.authenticate)
	api.HandleFunc("/services", h.listServices).Methods("GET").Name("list")
	api.HandleFunc("/services", h.createService).Methods("POST").Name("create")
	api.HandleFunc("/services/{id}", h.getService).Methods("GET").Name("get")
	api.HandleFunc("/services/{id}", h.updateService).Methods("PUT").Name("update")
	api.HandleFunc("/services/{id}", h.deleteService).Methods("DELETE").Name("delete")
	api.HandleFunc("/services/{id}/start", h.startService).Methods("POST").Name("start")
	api.HandleFunc("/services/{id}/stop", h.stopService).Methods("POST").Name("stop")
	api.HandleFunc("/services/{id}/restart", h.restartService).Methods("POST").Name("restart")
	api.HandleFunc("/services/{id}/kill", h.killService).Methods("POST").Name("kill")
	api.HandleFunc("/running", h.listRunning).Methods("GET").Name("running")

	sup.OnExit(h.processExited)
	return h
}
