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

// Package daemon assembles logvisord: the record store, the process
// supervisor, the realtime gateway and the control plane, run under a
// suture supervision tree.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/gdamore/logvisor"
	"github.com/gdamore/logvisor/auth"
	"github.com/gdamore/logvisor/gateway"
	"github.com/gdamore/logvisor/internal/config"
	"github.com/gdamore/logvisor/internal/logging"
	"github.com/gdamore/logvisor/rest"
	"github.com/gdamore/logvisor/store"
)

type Daemon struct {
	cfg      *config.Config
	store    logvisor.Store
	db       *badger.DB
	sup      *logvisor.Supervisor
	gateway  *gateway.Server
	api      *rest.Handler
	verifier *auth.JWT
	logger   zerolog.Logger
}

// New builds the components described by cfg and loads the service
// manifests.  Nothing is started until Run.
func New(cfg *config.Config) (*Daemon, error) {
	d := &Daemon{cfg: cfg, logger: logging.Component("daemon")}

	switch cfg.Store.Type {
	case "badger":
		db, err := store.OpenBadger(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		d.db = db
		d.store = store.NewBadger(db)
	default:
		d.store = store.NewMemory()
	}

	if err := d.loadManifests(); err != nil {
		d.Close()
		return nil, err
	}

	j, err := auth.NewJWT(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.verifier = j

	d.sup = logvisor.NewSupervisor("logvisord", nil)
	d.sup.SetGracePeriods(cfg.Services.StopGrace, cfg.Services.KillGrace)

	d.gateway = gateway.NewServer(j, d.store, d.sup, gateway.Options{
		PingPeriod:     cfg.Gateway.PingPeriod,
		PongWait:       cfg.Gateway.PongWait,
		WriteWait:      cfg.Gateway.WriteWait,
		SendQueue:      cfg.Gateway.SendQueue,
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
		RateLimit:      cfg.Gateway.RateLimit,
		RateBurst:      cfg.Gateway.RateBurst,
		AllowedOrigins: cfg.Security.AllowedOrigins,
	})
	d.api = rest.NewHandler(d.sup, d.store, j, rest.Options{
		RestartWait:  cfg.Services.RestartWait,
		RestartDelay: cfg.Services.RestartDelay,
		Gateway:      d.gateway,
	})
	return d, nil
}

func (d *Daemon) loadManifests() error {
	dir := d.cfg.Services.ManifestDir
	if dir == "" {
		return nil
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		d.logger.Warn().Str("dir", dir).Msg("manifest directory not found, no services loaded")
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := store.LoadManifests(ctx, d.store, dir)
	if err != nil {
		// good manifests are still loaded
		d.logger.Error().Err(err).Str("dir", dir).Msg("some manifests could not be loaded")
	}
	d.logger.Info().Int("services", n).Str("dir", dir).Msg("manifests loaded")
	return nil
}

func (d *Daemon) Store() logvisor.Store {
	return d.store
}

func (d *Daemon) Supervisor() *logvisor.Supervisor {
	return d.sup
}

func (d *Daemon) Verifier() *auth.JWT {
	return d.verifier
}

// Handler serves the control plane, the gateway, metrics and health.
func (d *Daemon) Handler() http.Handler {
	return d.api
}

// Run serves until ctx is cancelled, then stops every process.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg
	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger(logging.Component("suture"))}).MustHook()
	root := suture.New("logvisord", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   5 * time.Second,
		Timeout:          cfg.Server.ShutdownTimeout + cfg.Services.StopGrace + cfg.Services.KillGrace + time.Second,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      d.api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	web := NewHTTPService(srv, cfg.Server.ShutdownTimeout)
	web.OnShutdown(d.gateway.Close)
	web.OnShutdown(d.api.Close)

	root.Add(NewProcessService(d.sup, cfg.Services.StopGrace+cfg.Services.KillGrace))
	root.Add(web)

	if cfg.Services.StartAll {
		n, err := d.api.StartAll(ctx)
		if err != nil {
			return fmt.Errorf("start services: %w", err)
		}
		d.logger.Info().Int("started", n).Msg("services started")
	}

	d.logger.Info().Str("listen", cfg.Server.Listen).Msg("logvisord running")
	err := root.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if unstopped, _ := root.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			d.logger.Warn().Str("service", svc.Name).Msg("service failed to stop")
		}
	}
	d.logger.Info().Msg("logvisord stopped")
	return err
}

// Close releases the store.  Call it after Run has returned.
func (d *Daemon) Close() error {
	if d.db != nil {
		err := d.db.Close()
		d.db = nil
		return err
	}
	return nil
}
