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


// Package collector subscribes to HPFeeds channels and relays every publish
// to a connector sink. A subscriber actor feeds a drop-oldest mailbox that a
// forwarder actor drains in batches; both run under a one-for-one
// supervisor so a lost broker connection or a failing sink is retried
// without stopping the other half.
package collector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/turtacn/hpfeeds-go/pkg/actor"
	"github.com/turtacn/hpfeeds-go/pkg/client"
	"github.com/turtacn/hpfeeds-go/pkg/connector"
	"github.com/turtacn/hpfeeds-go/pkg/supervisor"
)

// Defaults for Options.
const (
	DefaultBatchSize     = 1000
	DefaultFlushInterval = 5 * time.Second
	DefaultQueueSize     = 65536
)

// Options configures a Collector.
type Options struct {
	Addr     string
	Ident    string
	Secret   string
	Channels []string
	// TLS connects to the broker over TLS when set.
	TLS *tls.Config

	// BatchSize flushes the sink once this many events are pending.
	BatchSize int
	// FlushInterval flushes pending events at least this often.
	FlushInterval time.Duration
	// QueueSize bounds the events buffered between the two actors. When
	// full, the oldest event is dropped.
	QueueSize int

	// Backoff and MaxBackoff pace actor restarts.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// Stats counts the events that passed through a Collector.
type Stats struct {
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

// Collector relays publishes from a broker to a sink.
type Collector struct {
	opts Options
	sink connector.Sink
	mb   *actor.Mailbox[connector.Event]
	log  *slog.Logger

	received  atomic.Uint64
	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a collector writing to sink.
func New(sink connector.Sink, opts Options) (*Collector, error) {
	if opts.Addr == "" || opts.Ident == "" {
		return nil, fmt.Errorf("collector: broker address and ident are required")
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("collector: at least one channel is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		opts: opts,
		sink: sink,
		mb:   actor.NewMailbox[connector.Event](opts.QueueSize),
		log:  logger.With("sink", sink.Name()),
	}, nil
}

// Stats returns the collector's counters.
func (c *Collector) Stats() Stats {
	return Stats{
		Received:  c.received.Load(),
		Forwarded: c.forwarded.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// Run blocks until ctx is cancelled. Events still pending at that point are
// flushed before Run returns.
func (c *Collector) Run(ctx context.Context) error {
	sup := supervisor.NewOneForOneSupervisor(supervisor.Options{
		Backoff:    c.opts.Backoff,
		MaxBackoff: c.opts.MaxBackoff,
		Logger:     c.log,
	})
	fwd := &forwarder{c: c}
	err := sup.Start(ctx, []supervisor.Spec{
		{ID: "collector-subscriber", Actor: &subscriber{c: c}, Restart: supervisor.RestartPermanent},
		{ID: "collector-forwarder", Actor: fwd, Restart: supervisor.RestartPermanent},
	})
	if err != nil {
		return err
	}
	c.log.Info("collector started", "broker", c.opts.Addr, "channels", c.opts.Channels)

	<-ctx.Done()
	sup.Wait()

	// Drain whatever the subscriber queued after the forwarder stopped.
	c.mb.Close()
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fwd.drain(flushCtx); err != nil {
		c.log.Error("final flush failed", "error", err)
		return err
	}
	c.log.Info("collector stopped", "received", c.received.Load(), "forwarded", c.forwarded.Load())
	return nil
}

// subscriber owns the broker connection.
type subscriber struct {
	c *Collector
}

func (s *subscriber) Start(ctx context.Context) error {
	c := s.c
	var opts []client.Option
	if c.opts.TLS != nil {
		opts = append(opts, client.WithTLS(c.opts.TLS))
	}
	cl, err := client.Dial(ctx, c.opts.Addr, c.opts.Ident, c.opts.Secret, opts...)
	if err != nil {
		return err
	}
	defer cl.Close()
	stop := context.AfterFunc(ctx, func() { cl.Close() })
	defer stop()

	if err := cl.Subscribe(c.opts.Channels...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.log.Info("subscribed", "broker", cl.BrokerName(), "channels", c.opts.Channels)

	for {
		msg, err := cl.ReadPublish()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var se *client.ServerError
			if errors.As(err, &se) {
				// Access denials and lag notices leave the connection usable.
				c.log.Warn("broker reported an error", "message", se.Message)
				continue
			}
			return fmt.Errorf("read: %w", err)
		}
		c.received.Add(1)
		c.mb.Send(connector.Event{
			Timestamp: time.Now().UTC(),
			Channel:   msg.Channel,
			Ident:     msg.Ident,
			Payload:   msg.Payload,
		})
	}
}

// forwarder drains the mailbox into the sink. Events that failed to write
// stay pending and are retried when the supervisor restarts the forwarder.
type forwarder struct {
	c       *Collector
	pending []connector.Event
}

func (f *forwarder) Start(ctx context.Context) error {
	c := f.c
	deadline := time.Now().Add(c.opts.FlushInterval)
	for {
		if len(f.pending) >= c.opts.BatchSize || !time.Now().Before(deadline) {
			if err := f.flush(ctx); err != nil {
				return err
			}
			deadline = time.Now().Add(c.opts.FlushInterval)
		}

		wait, cancel := context.WithDeadline(ctx, deadline)
		var err error
		f.pending, err = c.mb.ReceiveBatch(wait, f.pending, c.opts.BatchSize-len(f.pending))
		cancel()

		switch {
		case ctx.Err() != nil:
			// Run performs the final flush.
			return nil
		case errors.Is(err, actor.ErrMailboxClosed):
			return nil
		}
	}
}

func (f *forwarder) flush(ctx context.Context) error {
	c := f.c
	if n := c.mb.TakeDropped(); n > 0 {
		c.dropped.Add(n)
		c.log.Warn("sink falling behind, dropped events", "dropped", n)
	}
	if len(f.pending) == 0 {
		return nil
	}
	if err := c.sink.Write(ctx, f.pending); err != nil {
		return fmt.Errorf("sink %s: %w", c.sink.Name(), err)
	}
	c.forwarded.Add(uint64(len(f.pending)))
	c.log.Debug("flushed events", "count", len(f.pending))
	clear(f.pending)
	f.pending = f.pending[:0]
	return nil
}

// drain flushes everything left in the closed mailbox.
func (f *forwarder) drain(ctx context.Context) error {
	for {
		if err := f.flush(ctx); err != nil {
			return err
		}
		var err error
		f.pending, err = f.c.mb.ReceiveBatch(ctx, f.pending, f.c.opts.BatchSize)
		if err != nil {
			return nil
		}
	}
}
