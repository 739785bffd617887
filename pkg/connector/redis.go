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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis modes.
const (
	RedisPublish = "publish"
	RedisRPush   = "rpush"
)

// DefaultRedisKey is the channel or list events go to when none is set.
const DefaultRedisKey = "hpfeeds.events"

// RedisSink publishes events on a Redis channel or appends them to a list.
type RedisSink struct {
	*baseSink
	client *redis.Client
	key    string
	mode   string
}

// NewRedisSink connects to cfg.URL (redis://host:port/db) and pings it.
func NewRedisSink(ctx context.Context, cfg Config) (*RedisSink, error) {
	url := cfg.URL
	if url == "" {
		url = "redis://127.0.0.1:6379/0"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", ErrSinkConfiguration, err)
	}
	opts.DialTimeout = cfg.timeout()
	opts.WriteTimeout = cfg.timeout()

	s, err := NewRedisSinkWithClient(redis.NewClient(opts), cfg.Topic, cfg.Mode)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.timeout())
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return s, nil
}

// NewRedisSinkWithClient wraps an existing client.
func NewRedisSinkWithClient(client *redis.Client, key, mode string) (*RedisSink, error) {
	if key == "" {
		key = DefaultRedisKey
	}
	switch mode = strings.ToLower(mode); mode {
	case "":
		mode = RedisPublish
	case RedisPublish, RedisRPush:
	default:
		return nil, fmt.Errorf("%w: redis mode %q (want publish or rpush)", ErrSinkConfiguration, mode)
	}
	return &RedisSink{baseSink: newBaseSink(TypeRedis), client: client, key: key, mode: mode}, nil
}

// Write sends the batch in one pipeline for publish mode, or one RPUSH for
// rpush mode.
func (s *RedisSink) Write(ctx context.Context, events []Event) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	values := make([]any, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return s.record(len(events), err)
		}
		values = append(values, b)
	}

	var err error
	if s.mode == RedisRPush {
		err = s.client.RPush(ctx, s.key, values...).Err()
	} else {
		_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
			for _, v := range values {
				p.Publish(ctx, s.key, v)
			}
			return nil
		})
	}
	if err != nil {
		err = fmt.Errorf("redis %s %s: %w", s.mode, s.key, err)
	}
	return s.record(len(events), err)
}

// Close closes the client.
func (s *RedisSink) Close() error {
	if !s.markClosed() {
		return nil
	}
	return s.client.Close()
}
