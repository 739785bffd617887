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


// Package topic provides the sharded channel registry used for fan-out. It
// maps channel names to the set of subscribers currently attached to them.
//
// The key space is split across independently locked shards by an xxhash of
// the channel name, so operations on different channels rarely contend. Each
// channel's subscriber list is copy-on-write: Publish takes a snapshot under a
// read lock and delivers outside of it, which keeps slow deliveries from
// blocking Subscribe or Unsubscribe on the same shard.
package topic

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/turtacn/hpfeeds-go/pkg/metrics"
)

// DefaultShards is the shard count used when a non-positive count is given.
const DefaultShards = 64

// Subscriber is a delivery handle attached to one or more channels.
// Deliver must not block; it reports false if the subscriber no longer
// accepts messages.
type Subscriber interface {
	Deliver(frame []byte) bool
}

type shard struct {
	mu       sync.RWMutex
	channels map[string][]Subscriber
}

// Registry is a concurrent mapping of channel names to subscribers.
type Registry struct {
	shards []*shard
}

// NewRegistry creates an empty registry with n shards.
func NewRegistry(n int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{channels: make(map[string][]Subscriber)}
	}
	return r
}

func (r *Registry) shardFor(channel string) *shard {
	return r.shards[xxhash.Sum64String(channel)%uint64(len(r.shards))]
}

// Subscribe attaches sub to channel. It reports whether sub was newly added;
// subscribing twice is a no-op.
func (r *Registry) Subscribe(channel string, sub Subscriber) bool {
	s := r.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.channels[channel]
	for _, existing := range subs {
		if existing == sub {
			return false
		}
	}

	next := make([]Subscriber, len(subs), len(subs)+1)
	copy(next, subs)
	s.channels[channel] = append(next, sub)

	if len(subs) == 0 {
		metrics.ChannelsActive.Inc()
	}
	metrics.SubscriptionsActive.Inc()
	return true
}

// Unsubscribe detaches sub from channel and reports whether it was attached.
// The channel entry is removed once its last subscriber leaves.
func (r *Registry) Unsubscribe(channel string, sub Subscriber) bool {
	s := r.shardFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(channel, sub)
}

func (s *shard) removeLocked(channel string, sub Subscriber) bool {
	subs, ok := s.channels[channel]
	if !ok {
		return false
	}
	idx := -1
	for i, existing := range subs {
		if existing == sub {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	metrics.SubscriptionsActive.Dec()
	if len(subs) == 1 {
		delete(s.channels, channel)
		metrics.ChannelsActive.Dec()
		return true
	}

	next := make([]Subscriber, 0, len(subs)-1)
	next = append(next, subs[:idx]...)
	next = append(next, subs[idx+1:]...)
	s.channels[channel] = next
	return true
}

// RemoveAll detaches sub from each of the given channels. It returns the
// channels sub was actually removed from.
func (r *Registry) RemoveAll(sub Subscriber, channels []string) []string {
	var removed []string
	for _, channel := range channels {
		if r.Unsubscribe(channel, sub) {
			removed = append(removed, channel)
		}
	}
	return removed
}

// Publish hands frame to every current subscriber of channel and returns the
// number of subscribers that accepted it. The same backing array is given to
// every subscriber, so frame must not be modified afterwards.
func (r *Registry) Publish(channel string, frame []byte) int {
	s := r.shardFor(channel)
	s.mu.RLock()
	subs := s.channels[channel]
	s.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.Deliver(frame) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns a snapshot of channel's subscribers.
func (r *Registry) Subscribers(channel string) []Subscriber {
	s := r.shardFor(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[channel]
}

// Len returns the number of channels with at least one subscriber.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.channels)
		s.mu.RUnlock()
	}
	return n
}

// Channels returns the names of every channel with at least one subscriber.
func (r *Registry) Channels() []string {
	var out []string
	for _, s := range r.shards {
		s.mu.RLock()
		for name := range s.channels {
			out = append(out, name)
		}
		s.mu.RUnlock()
	}
	return out
}
