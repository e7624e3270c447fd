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

// Package config loads the daemon configuration.  Values are layered:
// built-in defaults, then an optional YAML file, then LOGVISOR_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar names a configuration file to use instead of the defaults.
const PathEnvVar = "LOGVISOR_CONFIG"

// EnvPrefix is stripped from environment variable names before they are
// mapped to configuration keys.
const EnvPrefix = "LOGVISOR_"

var DefaultPaths = []string{
	"logvisor.yaml",
	"logvisor.yml",
	"/etc/logvisor/logvisor.yaml",
}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Store    StoreConfig    `koanf:"store"`
	Services ServicesConfig `koanf:"services"`
	Gateway  GatewayConfig  `koanf:"gateway"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Listen          string        `koanf:"listen"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type SecurityConfig struct {
	JWTSecret      string        `koanf:"jwt_secret"`
	TokenTTL       time.Duration `koanf:"token_ttl"`
	AllowedOrigins []string      `koanf:"allowed_origins"` // empty allows same host only, "*" allows any
}

type StoreConfig struct {
	Type string `koanf:"type"` // memory or badger
	Path string `koanf:"path"` // badger directory
}

type ServicesConfig struct {
	ManifestDir  string        `koanf:"manifest_dir"`
	StopGrace    time.Duration `koanf:"stop_grace"`    // stop command to SIGTERM
	KillGrace    time.Duration `koanf:"kill_grace"`    // SIGTERM to SIGKILL
	RestartWait  time.Duration `koanf:"restart_wait"`  // how long restart waits for the old process
	RestartDelay time.Duration `koanf:"restart_delay"` // pause before an automatic restart
	StartAll     bool          `koanf:"start_all"`     // start every service when the daemon comes up
}

type GatewayConfig struct {
	PingPeriod     time.Duration `koanf:"ping_period"`
	PongWait       time.Duration `koanf:"pong_wait"`
	WriteWait      time.Duration `koanf:"write_wait"`
	SendQueue      int           `koanf:"send_queue"`
	MaxMessageSize int64         `koanf:"max_message_size"`
	RateLimit      float64       `koanf:"rate_limit"` // commands per second
	RateBurst      int           `koanf:"rate_burst"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Security: SecurityConfig{
			TokenTTL: 24 * time.Hour,
		},
		Store: StoreConfig{
			Type: "memory",
			Path: "/var/lib/logvisor",
		},
		Services: ServicesConfig{
			ManifestDir:  "/etc/logvisor/services",
			StopGrace:    2 * time.Second,
			KillGrace:    5 * time.Second,
			RestartWait:  10 * time.Second,
			RestartDelay: 2 * time.Second,
		},
		Gateway: GatewayConfig{
			PingPeriod:     30 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			SendQueue:      256,
			MaxMessageSize: 4096,
			RateLimit:      10,
			RateBurst:      20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var envKeys = map[string]string{
	"listen":           "server.listen",
	"read_timeout":     "server.read_timeout",
	"write_timeout":    "server.write_timeout",
	"shutdown_timeout": "server.shutdown_timeout",

	"jwt_secret":      "security.jwt_secret",
	"token_ttl":       "security.token_ttl",
	"allowed_origins": "security.allowed_origins",

	"store_type": "store.type",
	"store_path": "store.path",

	"manifest_dir":  "services.manifest_dir",
	"stop_grace":    "services.stop_grace",
	"kill_grace":    "services.kill_grace",
	"restart_wait":  "services.restart_wait",
	"restart_delay": "services.restart_delay",
	"start_all":     "services.start_all",

	"ping_period":      "gateway.ping_period",
	"pong_wait":        "gateway.pong_wait",
	"write_wait":       "gateway.write_wait",
	"send_queue":       "gateway.send_queue",
	"max_message_size": "gateway.max_message_size",
	"rate_limit":       "gateway.rate_limit",
	"rate_burst":       "gateway.rate_burst",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envKey maps LOGVISOR_LOG_LEVEL to logging.level and so on.  Unknown
// variables are dropped, including LOGVISOR_CONFIG itself.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return envKeys[s]
}

var listKeys = []string{
	"security.allowed_origins",
}

// splitLists turns comma separated strings from the environment into
// lists.
func splitLists(k *koanf.Koanf) error {
	for _, key := range listKeys {
		s, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var items []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		if err := k.Set(key, items); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen: %w", err))
	}
	if len(c.Security.JWTSecret) < 32 {
		errs = append(errs, errors.New("security.jwt_secret must be at least 32 characters"))
	}
	switch c.Store.Type {
	case "memory":
	case "badger":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the badger store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type %q is not memory or badger", c.Store.Type))
	}
	if c.Services.StopGrace <= 0 || c.Services.KillGrace <= 0 {
		errs = append(errs, errors.New("services grace periods must be positive"))
	}
	if c.Services.RestartDelay < 0 {
		errs = append(errs, errors.New("services.restart_delay must not be negative"))
	}
	if c.Gateway.PingPeriod <= 0 || c.Gateway.PongWait <= c.Gateway.PingPeriod {
		errs = append(errs, errors.New("gateway.pong_wait must be longer than a positive gateway.ping_period"))
	}
	if c.Gateway.SendQueue <= 0 {
		errs = append(errs, errors.New("gateway.send_queue must be positive"))
	}
	if c.Gateway.RateLimit <= 0 || c.Gateway.RateBurst <= 0 {
		errs = append(errs, errors.New("gateway rate limit and burst must be positive"))
	}
	return errors.Join(errs...)
}
