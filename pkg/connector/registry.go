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


package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Sink types.
const (
	TypeConsole  = "console"
	TypeFile     = "file"
	TypeRedis    = "redis"
	TypePostgres = "postgres"
	TypeMySQL    = "mysql"
	TypeKafka    = "kafka"
	TypeNATS     = "nats"
	TypeMQTT     = "mqtt"
	TypeHTTP     = "http"
)

// Factory builds a sink from its configuration.
type Factory func(ctx context.Context, cfg Config) (Sink, error)

// Registry maps sink types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types returns the registered sink types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds the sink named by cfg.Type.
func (r *Registry) New(ctx context.Context, cfg Config) (Sink, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, cfg.Type)
	}
	return f(ctx, cfg)
}

// RegisterDefaultFactories registers every built-in sink with r.
func RegisterDefaultFactories(r *Registry) {
	r.Register(TypeConsole, func(_ context.Context, _ Config) (Sink, error) {
		return NewConsoleSink(), nil
	})
	r.Register(TypeFile, func(_ context.Context, cfg Config) (Sink, error) {
		return NewFileSink(cfg.Path)
	})
	r.Register(TypeRedis, func(ctx context.Context, cfg Config) (Sink, error) {
		return NewRedisSink(ctx, cfg)
	})
	sqlFactory := func(ctx context.Context, cfg Config) (Sink, error) {
		if cfg.Driver == "" {
			cfg.Driver = cfg.Type
		}
		return NewSQLSink(ctx, cfg)
	}
	r.Register(TypePostgres, sqlFactory)
	r.Register(TypeMySQL, sqlFactory)
	r.Register(TypeKafka, func(_ context.Context, cfg Config) (Sink, error) {
		return NewKafkaSink(cfg)
	})
	r.Register(TypeNATS, func(_ context.Context, cfg Config) (Sink, error) {
		return NewNATSSink(cfg)
	})
	r.Register(TypeMQTT, func(_ context.Context, cfg Config) (Sink, error) {
		return NewMQTTSink(cfg)
	})
	r.Register(TypeHTTP, func(_ context.Context, cfg Config) (Sink, error) {
		return NewHTTPSink(cfg)
	})
}

// DefaultRegistry returns a registry with every built-in sink registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterDefaultFactories(r)
	return r
}
