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


// package broker contains the HPFeeds broker service: the per-connection
// handshake and state machine, and channel fan-out through the topic registry.
package broker

import (
	"context"
	cryptotls "crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/turtacn/hpfeeds-go/pkg/auth"
	"github.com/turtacn/hpfeeds-go/pkg/metrics"
	"github.com/turtacn/hpfeeds-go/pkg/storage"
	"github.com/turtacn/hpfeeds-go/pkg/topic"
	"github.com/turtacn/hpfeeds-go/pkg/transport"
)

// Options configures a Broker.
type Options struct {
	// Name is announced to clients in the Info frame.
	Name string
	// QueueSize bounds each subscriber's outbound queue. When it is full the
	// oldest queued frame is dropped.
	QueueSize int
	// BatchLimit caps the frames coalesced into one socket write.
	BatchLimit int
	// Shards is the number of registry partitions.
	Shards int
	// AuthTimeout bounds the handshake. Zero disables the deadline.
	AuthTimeout time.Duration
	// WriteTimeout bounds each socket write. Zero disables the deadline.
	WriteTimeout time.Duration
	// DrainTimeout bounds how long a closing connection waits for queued
	// frames to be written.
	DrainTimeout time.Duration
	// NotifyLag sends a subscriber an Error frame announcing how many frames
	// it missed after its queue overflowed.
	NotifyLag bool
	Logger    *slog.Logger
}

// DefaultOptions returns the options used by the hpfeeds-server binary.
func DefaultOptions() Options {
	return Options{
		Name:         "hpfeeds",
		QueueSize:    4096,
		BatchLimit:   128,
		Shards:       topic.DefaultShards,
		AuthTimeout:  5 * time.Second,
		DrainTimeout: 2 * time.Second,
		NotifyLag:    true,
	}
}

// Broker accepts HPFeeds connections, authenticates them and routes publishes
// to subscribers.
type Broker struct {
	opts     Options
	auth     *auth.Engine
	topics   *topic.Registry
	sessions *storage.MemStore[*conn]
	log      *slog.Logger
}

// New creates a new Broker authenticating clients with engine.
func New(engine *auth.Engine, opts Options) *Broker {
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = def.BatchLimit
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = def.DrainTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		opts:     opts,
		auth:     engine,
		topics:   topic.NewRegistry(opts.Shards),
		sessions: storage.NewMemStore[*conn](),
		log:      logger,
	}
}

// ListenAndServe accepts connections on addr until ctx is cancelled, then
// closes every connection and returns. tlsConfig may be nil.
func (b *Broker) ListenAndServe(ctx context.Context, addr string, tlsConfig *cryptotls.Config) error {
	srv := transport.NewServer(b.HandleConn, tlsConfig)
	if err := srv.Start(addr); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	b.log.Info("hpfeeds broker listening", "addr", srv.Addr().String(), "name", b.opts.Name)

	<-ctx.Done()
	b.log.Info("listener is shutting down")
	srv.Stop()
	return nil
}

// HandleConn serves one client connection until it disconnects, violates the
// protocol or ctx is cancelled. The connection is closed on return.
func (b *Broker) HandleConn(ctx context.Context, nc net.Conn) {
	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	c := newConn(b, nc)
	_ = b.sessions.Set(c.id, c)
	defer b.sessions.Delete(c.id) //nolint:errcheck

	c.serve(ctx)
}

// SessionStats is a snapshot of one live connection.
type SessionStats struct {
	ID            string    `json:"id"`
	Ident         string    `json:"ident,omitempty"`
	Remote        string    `json:"remote"`
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	Subscriptions []string  `json:"subscriptions"`
	FramesIn      uint64    `json:"frames_in"`
	BytesIn       uint64    `json:"bytes_in"`
	FramesOut     uint64    `json:"frames_out"`
	BytesOut      uint64    `json:"bytes_out"`
	Dropped       uint64    `json:"dropped"`
}

// Stats returns a snapshot of every live connection ordered by connect time.
func (b *Broker) Stats() []SessionStats {
	var out []SessionStats
	b.sessions.Range(func(_ string, c *conn) bool {
		out = append(out, c.stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Channels returns the number of channels with at least one subscriber.
func (b *Broker) Channels() int {
	return b.topics.Len()
}
