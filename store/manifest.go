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

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"

	"github.com/gdamore/logvisor"
)

// Manifest is the on-disk form of a service definition.  It is a Record
// without the runtime fields.
type Manifest struct {
	ID               logvisor.ServiceID `json:"id"`
	Name             string             `json:"name"`
	Description      string             `json:"description"`
	Type             string             `json:"type"`
	Port             int                `json:"port"`
	ExternalPort     int                `json:"external_port"`
	WorkingDirectory string             `json:"working_directory"`
	StartCommand     string             `json:"start_command"`
	StopCommand      string             `json:"stop_command"`
	EnvironmentVars  json.RawMessage    `json:"environment_vars"`
	AutoRestart      bool               `json:"auto_restart"`
}

// Record converts the manifest, with the service stopped.  Environment
// given as a JSON object is kept as JSON text; a JSON string is used as
// is, so KEY=VALUE lines can be written there too.
func (m *Manifest) Record() *logvisor.Record {
	env := ""
	if len(m.EnvironmentVars) > 0 {
		var s string
		if json.Unmarshal(m.EnvironmentVars, &s) == nil {
			env = s
		} else if string(m.EnvironmentVars) != "null" {
			env = string(m.EnvironmentVars)
		}
	}
	return &logvisor.Record{
		ID:               m.ID,
		Name:             m.Name,
		Description:      m.Description,
		Type:             m.Type,
		Port:             m.Port,
		ExternalPort:     m.ExternalPort,
		WorkingDirectory: m.WorkingDirectory,
		StartCommand:     m.StartCommand,
		StopCommand:      m.StopCommand,
		EnvironmentVars:  env,
		AutoRestart:      m.AutoRestart,
		Status:           logvisor.StatusStopped,
	}
}

// ReadManifest parses a single manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.ID <= 0 {
		return nil, fmt.Errorf("%s: missing or invalid id", path)
	}
	if m.Name == "" {
		m.Name = fmt.Sprintf("service-%d", m.ID)
	}
	return m, nil
}

// LoadManifests reads every *.json file in dir and stores the services
// they describe, replacing any existing records with the same id.  The
// number of services loaded is returned.  Files that cannot be parsed
// are reported together after the good ones have been stored.
func LoadManifests(ctx context.Context, st logvisor.Store, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)

	var bad []error
	seen := make(map[logvisor.ServiceID]string)
	n := 0
	for _, p := range paths {
		m, err := ReadManifest(p)
		if err != nil {
			bad = append(bad, err)
			continue
		}
		if prev, ok := seen[m.ID]; ok {
			bad = append(bad, fmt.Errorf("%s: id %d already used by %s", p, m.ID, prev))
			continue
		}
		seen[m.ID] = p
		if err := st.Put(ctx, m.Record()); err != nil {
			return n, fmt.Errorf("store %s: %w", p, err)
		}
		n++
	}
	if len(bad) > 0 {
		return n, fmt.Errorf("bad manifests: %w", errors.Join(bad...))
	}
	return n, nil
}
