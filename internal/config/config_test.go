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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestDefaultsNeedSecret(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
	cfg.Security.JWTSecret = secret
	assert.NoError(t, cfg.Validate())
}

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logvisor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: "127.0.0.1:9000"
security:
  jwt_secret: "`+secret+`"
  allowed_origins:
    - https://panel.example.com
services:
  stop_grace: 3s
logging:
  level: debug
`), 0o644))

	t.Setenv(PathEnvVar, path)
	t.Setenv("LOGVISOR_KILL_GRACE", "7s")
	t.Setenv("LOGVISOR_LOG_LEVEL", "warn")
	t.Setenv("LOGVISOR_SEND_QUEUE", "64")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(t, []string{"https://panel.example.com"}, cfg.Security.AllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.Services.StopGrace)
	assert.Equal(t, 7*time.Second, cfg.Services.KillGrace)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 64, cfg.Gateway.SendQueue)
	assert.Equal(t, 30*time.Second, cfg.Gateway.PingPeriod)
}

func TestLoadOriginsFromEnv(t *testing.T) {
	t.Setenv(PathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("LOGVISOR_JWT_SECRET", secret)
	t.Setenv("LOGVISOR_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com,")

	_, err := Load()
	// a named file that does not exist is an error
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	t.Setenv(PathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Security.AllowedOrigins)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Security.JWTSecret = secret
	cfg.Store.Type = "postgres"
	cfg.Gateway.PongWait = cfg.Gateway.PingPeriod
	cfg.Server.Listen = "nonsense"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.type")
	assert.Contains(t, err.Error(), "pong_wait")
	assert.Contains(t, err.Error(), "server.listen")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "logging.level", envKey("LOGVISOR_LOG_LEVEL"))
	assert.Equal(t, "store.type", envKey("LOGVISOR_STORE_TYPE"))
	assert.Equal(t, "", envKey("LOGVISOR_CONFIG"))
	assert.Equal(t, "", envKey("LOGVISOR_UNKNOWN"))
}
