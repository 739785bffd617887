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


package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// MemoryStore keeps identities in memory. It serves credentials given in the
// configuration file and on the command line.
type MemoryStore struct {
	users map[string]*Identity
	mu    sync.RWMutex
}

// NewMemoryStore creates a store holding records.
func NewMemoryStore(records ...UserRecord) *MemoryStore {
	ms := &MemoryStore{users: make(map[string]*Identity, len(records))}
	for _, r := range records {
		ms.users[r.Ident] = r.Identity()
	}
	return ms
}

func (ms *MemoryStore) Name() string {
	return "memory"
}

func (ms *MemoryStore) FindIdentity(_ context.Context, ident string) (*Identity, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	id, ok := ms.users[ident]
	if !ok {
		return nil, ErrNotFound
	}
	return id, nil
}

// Add registers ident with access to every channel.
func (ms *MemoryStore) Add(ident, secret string) {
	ms.Put(&Identity{
		Ident:  ident,
		Secret: secret,
		ACL:    ACL{Publish: AllChannels(), Subscribe: AllChannels()},
	})
}

// Put stores id, replacing any identity with the same name.
func (ms *MemoryStore) Put(id *Identity) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.users[id.Ident] = id
}

// Replace swaps the whole identity set, as done when a users file reloads.
func (ms *MemoryStore) Replace(records []UserRecord) {
	users := make(map[string]*Identity, len(records))
	for _, r := range records {
		users[r.Ident] = r.Identity()
	}
	ms.mu.Lock()
	ms.users = users
	ms.mu.Unlock()
}

// Count returns the number of identities.
func (ms *MemoryStore) Count() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.users)
}

// AddUser creates ident with no channel access, or updates its secret.
func (ms *MemoryStore) AddUser(_ context.Context, ident, secret string) error {
	if ident == "" {
		return fmt.Errorf("ident cannot be empty")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if existing, ok := ms.users[ident]; ok {
		id := existing.clone()
		id.Secret = secret
		ms.users[ident] = id
	} else {
		ms.users[ident] = &Identity{Ident: ident, Secret: secret}
	}
	slog.Info("added user", "ident", ident)
	return nil
}

// AddPermission grants ident publish and/or subscribe access to channel.
// Existing grants are kept.
func (ms *MemoryStore) AddPermission(_ context.Context, ident, channel string, canPub, canSub bool) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	existing, ok := ms.users[ident]
	if !ok {
		return fmt.Errorf("user %q: %w", ident, ErrNotFound)
	}
	// Identities may be cached by an Engine, so edit a copy.
	id := existing.clone()
	if canPub {
		id.ACL.Publish.add(channel)
	}
	if canSub {
		id.ACL.Subscribe.add(channel)
	}
	ms.users[ident] = id
	return nil
}

func (ms *MemoryStore) RemoveUser(_ context.Context, ident string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.users[ident]; !ok {
		return fmt.Errorf("user %q: %w", ident, ErrNotFound)
	}
	delete(ms.users, ident)
	slog.Info("removed user", "ident", ident)
	return nil
}

// ListUsers returns every identity ordered by name.
func (ms *MemoryStore) ListUsers(_ context.Context) ([]UserRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make([]UserRecord, 0, len(ms.users))
	for _, id := range ms.users {
		out = append(out, RecordOf(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ident < out[j].Ident })
	return out, nil
}
