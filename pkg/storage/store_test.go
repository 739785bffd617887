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


package storage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemStore(t *testing.T) {
	s := NewMemStore[string]()
	assert.NotNil(t, s)

	// Test Set and Get
	err := s.Set("key1", "value1")
	assert.NoError(t, err)

	value, err := s.Get("key1")
	assert.NoError(t, err)
	assert.Equal(t, "value1", value)

	// Test Get not found
	_, err = s.Get("nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)

	// Test Delete
	err = s.Delete("key1")
	assert.NoError(t, err)

	_, err = s.Get("key1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Delete("key1"))
}

func TestMemStoreSetIfAbsent(t *testing.T) {
	s := NewMemStore[int]()
	assert.NoError(t, s.SetIfAbsent("a", 1))
	assert.ErrorIs(t, s.SetIfAbsent("a", 2), ErrExists)

	v, err := s.Get("a")
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestMemStoreRange(t *testing.T) {
	s := NewMemStore[int]()
	for i := 0; i < 5; i++ {
		_ = s.Set(fmt.Sprint(i), i)
	}
	assert.Equal(t, 5, s.Len())

	sum := 0
	s.Range(func(_ string, v int) bool {
		sum += v
		return true
	})
	assert.Equal(t, 10, sum)

	visited := 0
	s.Range(func(string, int) bool {
		visited++
		return false
	})
	assert.Equal(t, 1, visited)

	// Mutating inside Range must not deadlock.
	s.Range(func(k string, _ int) bool {
		_ = s.Delete(k)
		return true
	})
	assert.Equal(t, 0, s.Len())
}

func TestMemStoreConcurrent(t *testing.T) {
	s := NewMemStore[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprint(i % 10)
			_ = s.Set(key, i)
			_, _ = s.Get(key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, s.Len())
}
