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

// Package store provides record stores for service definitions.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gdamore/logvisor"
)

// Memory keeps records in a map.  It is used by tests and by daemons
// that load their services from manifests on every start.
type Memory struct {
	recs map[logvisor.ServiceID]logvisor.Record
	mx   sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{recs: make(map[logvisor.ServiceID]logvisor.Record)}
}

func (m *Memory) Get(_ context.Context, id logvisor.ServiceID) (*logvisor.Record, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, fmt.Errorf("service %d: %w", id, logvisor.ErrServiceNotFound)
	}
	return &r, nil
}

func (m *Memory) List(_ context.Context) ([]*logvisor.Record, error) {
	m.mx.RLock()
	recs := make([]*logvisor.Record, 0, len(m.recs))
	for _, r := range m.recs {
		r := r
		recs = append(recs, &r)
	}
	m.mx.RUnlock()
	sortRecords(recs)
	return recs, nil
}

func (m *Memory) Put(_ context.Context, r *logvisor.Record) error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	m.mx.Lock()
	m.recs[r.ID] = *r
	m.mx.Unlock()
	return nil
}

func (m *Memory) Create(_ context.Context, r *logvisor.Record) error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	var last logvisor.ServiceID
	for id := range m.recs {
		last = max(last, id)
	}
	r.ID = last + 1
	m.recs[r.ID] = *r
	return nil
}

func (m *Memory) Delete(_ context.Context, id logvisor.ServiceID) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.recs[id]; !ok {
		return fmt.Errorf("service %d: %w", id, logvisor.ErrServiceNotFound)
	}
	delete(m.recs, id)
	return nil
}

func (m *Memory) SetStatus(_ context.Context, id logvisor.ServiceID, status logvisor.Status, pid int) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return fmt.Errorf("service %d: %w", id, logvisor.ErrServiceNotFound)
	}
	r.Status = status
	r.Pid = pid
	m.recs[id] = r
	return nil
}

func sortRecords(recs []*logvisor.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
