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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/turtacn/hpfeeds-go/pkg/protocol/hpfeeds"
)

const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = 30 * time.Second
)

// EngineOptions configures the ACL cache of an Engine.
type EngineOptions struct {
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

// Engine verifies handshake digests and authorizes channel operations.
//
// Authenticate always consults the store so a revoked identity cannot log in
// from a stale cache entry. Authorization reads the cache first; entries live
// for at most CacheTTL, which bounds how long an ACL change takes to apply to
// established connections.
type Engine struct {
	store Store
	cache *expirable.LRU[string, *Identity]
	log   *slog.Logger
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts EngineOptions) *Engine {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: store,
		cache: expirable.NewLRU[string, *Identity](opts.CacheSize, nil, opts.CacheTTL),
		log:   logger,
	}
}

// Authenticate checks digest against SHA-1(nonce || secret) for ident.
// Unknown identities and wrong digests both yield ErrInvalidCredentials; a
// backend failure yields an error wrapping ErrBackendUnavailable. Either way
// the caller must refuse the connection.
func (e *Engine) Authenticate(ctx context.Context, ident string, nonce, digest []byte) (*Identity, error) {
	id, err := e.store.FindIdentity(ctx, ident)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Spend the same hashing work as a real check.
			hpfeeds.VerifyDigest(nonce, "", digest)
			return nil, ErrInvalidCredentials
		}
		e.log.Error("credential lookup failed", "ident", ident, "error", err)
		if !errors.Is(err, ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
		return nil, err
	}
	if !hpfeeds.VerifyDigest(nonce, id.Secret, digest) {
		return nil, ErrInvalidCredentials
	}
	e.cache.Add(ident, id)
	return id, nil
}

// Verify reports whether digest is valid for ident and nonce.
func (e *Engine) Verify(ctx context.Context, ident string, nonce, digest []byte) bool {
	_, err := e.Authenticate(ctx, ident, nonce, digest)
	return err == nil
}

// AuthorizePublish reports whether ident may publish to channel.
func (e *Engine) AuthorizePublish(ctx context.Context, ident, channel string) bool {
	id, err := e.lookup(ctx, ident)
	if err != nil {
		return false
	}
	return id.CanPublish(channel)
}

// AuthorizeSubscribe reports whether ident may subscribe to channel.
func (e *Engine) AuthorizeSubscribe(ctx context.Context, ident, channel string) bool {
	id, err := e.lookup(ctx, ident)
	if err != nil {
		return false
	}
	return id.CanSubscribe(channel)
}

func (e *Engine) lookup(ctx context.Context, ident string) (*Identity, error) {
	if id, ok := e.cache.Get(ident); ok {
		return id, nil
	}
	id, err := e.store.FindIdentity(ctx, ident)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Error("credential lookup failed", "ident", ident, "error", err)
		}
		return nil, err
	}
	e.cache.Add(ident, id)
	return id, nil
}

// Invalidate drops ident from the cache.
func (e *Engine) Invalidate(ident string) {
	e.cache.Remove(ident)
}

// Purge empties the cache, typically after the backing store changed.
func (e *Engine) Purge() {
	e.cache.Purge()
}
