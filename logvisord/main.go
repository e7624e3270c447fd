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

// Command logvisord supervises the services described by its manifests
// and serves the control plane and the realtime log gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gdamore/logvisor/internal/config"
	"github.com/gdamore/logvisor/internal/daemon"
	"github.com/gdamore/logvisor/internal/logging"
)

var (
	flagConfig    string
	flagListen    string
	flagManifests string
	flagStartAll  bool
	flagLogLevel  string
)

func main() {
	cmd := &cobra.Command{
		Use:           "logvisord",
		Short:         "Process supervisor with live log streaming",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	cmd.Flags().StringVar(&flagConfig, "config", "", "configuration file (default logvisor.yaml)")
	cmd.Flags().StringVarP(&flagListen, "listen", "a", "", "listen address")
	cmd.Flags().StringVarP(&flagManifests, "manifests", "d", "", "service manifest directory")
	cmd.Flags().BoolVarP(&flagStartAll, "start-all", "e", false, "start all services")
	cmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level")

	if err := cmd.Execute(); err != nil {
		logging.Error().Err(err).Msg("logvisord failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if flagConfig != "" {
		os.Setenv(config.PathEnvVar, flagConfig)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if flagListen != "" {
		cfg.Server.Listen = flagListen
	}
	if flagManifests != "" {
		cfg.Services.ManifestDir = flagManifests
	}
	if flagStartAll {
		cfg.Services.StartAll = true
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stderr,
	})

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	go func() {
		<-ctx.Done()
		logging.Info().Msg("shutdown requested")
	}()

	return d.Run(ctx)
}
