// Copyright 2024 The hpfeeds-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// package storage provides a generic key-value store interface and an in-memory
// implementation. The broker uses it as the table of live sessions.
package storage

import (
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by SetIfAbsent when the key is already present.
	ErrExists = errors.New("already exists")
)

// Store defines the interface for a generic key-value store.
type Store[V any] interface {
	// Get retrieves a value by key, or ErrNotFound.
	Get(key string) (V, error)
	// Set adds or updates a value.
	Set(key string, value V) error
	// Delete removes a value. Deleting a missing key is not an error.
	Delete(key string) error
}

// MemStore is an in-memory implementation of the Store interface, safe for
// concurrent use.
type MemStore[V any] struct {
	data map[string]V
	mu   sync.RWMutex
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore[V any]() *MemStore[V] {
	return &MemStore[V]{
		data: make(map[string]V),
	}
}

func (s *MemStore[V]) Get(key string) (V, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return value, nil
}

func (s *MemStore[V]) Set(key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// SetIfAbsent stores value only when key is not present yet.
func (s *MemStore[V]) SetIfAbsent(key string, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		return ErrExists
	}
	s.data[key] = value
	return nil
}

func (s *MemStore[V]) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of stored values.
func (s *MemStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Range calls fn for every entry until fn returns false. fn runs without the
// store lock held, over a snapshot taken when Range starts.
func (s *MemStore[V]) Range(fn func(key string, value V) bool) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.data))
	values := make([]V, 0, len(s.data))
	for k, v := range s.data {
		keys = append(keys, k)
		values = append(values, v)
	}
	s.mu.RUnlock()

	for i := range keys {
		if !fn(keys[i], values[i]) {
			return
		}
	}
}
