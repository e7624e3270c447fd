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
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/gdamore/logvisor"
)

const (
	serviceKeyPrefix = "service:"
	createRetries    = 5
)

// Badger keeps records in a BadgerDB database, one JSON value per
// service under a "service:<id>" key.
type Badger struct {
	db *badger.DB
}

// NewBadger wraps an open database.  The caller remains responsible for
// closing it.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

// OpenBadger opens (creating if needed) a database in dir.  An empty dir
// gives an in-memory database.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return db, nil
}

func serviceKey(id logvisor.ServiceID) []byte {
	return []byte(serviceKeyPrefix + strconv.FormatInt(int64(id), 10))
}

func getRecord(txn *badger.Txn, id logvisor.ServiceID) (*logvisor.Record, error) {
	item, err := txn.Get(serviceKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("service %d: %w", id, logvisor.ErrServiceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get service %d: %w", id, err)
	}
	var r logvisor.Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &r)
	}); err != nil {
		return nil, fmt.Errorf("decode service %d: %w", id, err)
	}
	return &r, nil
}

func putRecord(txn *badger.Txn, r *logvisor.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal service %d: %w", r.ID, err)
	}
	if err := txn.Set(serviceKey(r.ID), data); err != nil {
		return fmt.Errorf("set service %d: %w", r.ID, err)
	}
	return nil
}

func (b *Badger) Get(_ context.Context, id logvisor.ServiceID) (*logvisor.Record, error) {
	var r *logvisor.Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getRecord(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Badger) List(_ context.Context) ([]*logvisor.Record, error) {
	var recs []*logvisor.Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(serviceKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r logvisor.Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			recs = append(recs, &r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	// keys sort as strings, so "service:10" comes before "service:9"
	sortRecords(recs)
	return recs, nil
}

func (b *Badger) Put(_ context.Context, r *logvisor.Record) error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return putRecord(txn, r)
	})
}

// Create allocates the id inside the write transaction, so concurrent
// creates conflict instead of sharing an id.  A conflicting create is
// retried.
func (b *Badger) Create(_ context.Context, r *logvisor.Record) error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	var err error
	for range createRetries {
		err = b.db.Update(func(txn *badger.Txn) error {
			last, err := lastID(txn)
			if err != nil {
				return err
			}
			rec := *r
			rec.ID = last + 1
			if err := putRecord(txn, &rec); err != nil {
				return err
			}
			r.ID = rec.ID
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("create service: %w", err)
}

// lastID returns the highest id stored, or zero.
func lastID(txn *badger.Txn) (logvisor.ServiceID, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var last logvisor.ServiceID
	prefix := []byte(serviceKeyPrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().Key()
		n, err := strconv.ParseInt(string(key[len(prefix):]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad key %q: %w", key, err)
		}
		last = max(last, logvisor.ServiceID(n))
	}
	return last, nil
}

func (b *Badger) Delete(_ context.Context, id logvisor.ServiceID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(serviceKey(id)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("service %d: %w", id, logvisor.ErrServiceNotFound)
		} else if err != nil {
			return fmt.Errorf("get service %d: %w", id, err)
		}
		if err := txn.Delete(serviceKey(id)); err != nil {
			return fmt.Errorf("delete service %d: %w", id, err)
		}
		return nil
	})
}

func (b *Badger) SetStatus(_ context.Context, id logvisor.ServiceID, status logvisor.Status, pid int) error {
	return b.db.Update(func(txn *badger.Txn) error {
		r, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		r.Status = status
		r.Pid = pid
		return putRecord(txn, r)
	})
}
