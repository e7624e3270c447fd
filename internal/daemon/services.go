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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/gdamore/logvisor"
)

// HTTPServer is the part of *http.Server the HTTP service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server under the suture tree.  Cancelling
// the service context shuts the server down gracefully.
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	onShutdown      []func()
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

// OnShutdown registers fn to run after the server has stopped accepting
// requests.  Hijacked connections are not tracked by http.Server, so
// their owners close them here.
func (h *HTTPService) OnShutdown(fn func()) {
	h.onShutdown = append(h.onShutdown, fn)
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		err := h.server.Shutdown(shutdownCtx)
		for _, fn := range h.onShutdown {
			fn()
		}
		if err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string {
	return "http-server"
}

// ProcessService ties the process supervisor to the tree.  It holds no
// goroutines of its own; when the tree stops, every supervised process
// is terminated and reaped before Serve returns.
type ProcessService struct {
	sup     *logvisor.Supervisor
	timeout time.Duration
}

func NewProcessService(sup *logvisor.Supervisor, timeout time.Duration) *ProcessService {
	return &ProcessService{sup: sup, timeout: timeout}
}

func (p *ProcessService) Serve(ctx context.Context) error {
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.sup.Shutdown(shutdownCtx)
	// a stopped supervisor must not be restarted by the tree
	return suture.ErrDoNotRestart
}

func (p *ProcessService) String() string {
	return "process-supervisor"
}
