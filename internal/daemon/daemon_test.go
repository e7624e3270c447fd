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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/internal/config"
)

type fakeServer struct {
	serveErr  error
	stop      chan struct{}
	shutdowns atomic.Int32
}

func (f *fakeServer) ListenAndServe() error {
	if f.serveErr != nil {
		return f.serveErr
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdowns.Add(1)
	close(f.stop)
	return nil
}

var _ suture.Service = (*HTTPService)(nil)
var _ suture.Service = (*ProcessService)(nil)

func TestHTTPServiceShutdown(t *testing.T) {
	f := &fakeServer{stop: make(chan struct{})}
	svc := NewHTTPService(f, time.Second)
	var hooked atomic.Bool
	svc.OnShutdown(func() { hooked.Store(true) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	assert.Equal(t, int32(1), f.shutdowns.Load())
	assert.True(t, hooked.Load())
}

func TestHTTPServiceFailure(t *testing.T) {
	f := &fakeServer{serveErr: errors.New("address in use"), stop: make(chan struct{})}
	err := NewHTTPService(f, time.Second).Serve(context.Background())
	assert.ErrorContains(t, err, "address in use")
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Security.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Services.ManifestDir = t.TempDir()
	cfg.Services.StopGrace = 100 * time.Millisecond
	cfg.Services.KillGrace = 200 * time.Millisecond
	cfg.Server.ShutdownTimeout = time.Second
	return cfg
}

func TestDaemonLoadsManifests(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Services.ManifestDir, "web.json"),
		[]byte(`{"id": 9, "name": "web", "working_directory": "/", "start_command": "sleep 60"}`), 0o644))

	for _, kind := range []string{"memory", "badger"} {
		t.Run(kind, func(t *testing.T) {
			cfg.Store.Type = kind
			cfg.Store.Path = t.TempDir()
			d, err := New(cfg)
			require.NoError(t, err)
			defer d.Close()

			rec, err := d.Store().Get(context.Background(), 9)
			require.NoError(t, err)
			assert.Equal(t, "web", rec.Name)
			assert.Equal(t, logvisor.StatusStopped, rec.Status)

			srv := httptest.NewServer(d.Handler())
			defer srv.Close()
			res, err := http.Get(srv.URL + "/healthz")
			require.NoError(t, err)
			res.Body.Close()
			assert.Equal(t, http.StatusOK, res.StatusCode)
		})
	}
}

func TestDaemonRunStops(t *testing.T) {
	d, err := New(testConfig(t))
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Empty(t, d.Supervisor().Running())
}
