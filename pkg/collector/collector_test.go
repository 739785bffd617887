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


package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/hpfeeds-go/pkg/auth"
	"github.com/turtacn/hpfeeds-go/pkg/broker"
	"github.com/turtacn/hpfeeds-go/pkg/client"
	"github.com/turtacn/hpfeeds-go/pkg/connector"
	"github.com/turtacn/hpfeeds-go/pkg/metrics"
	"github.com/turtacn/hpfeeds-go/pkg/transport"
)

// recordingSink keeps every batch it is given. The first `failures` writes
// return an error.
type recordingSink struct {
	mu       sync.Mutex
	batches  [][]connector.Event
	failures int
	closed   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Write(_ context.Context, events []connector.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, append([]connector.Event(nil), events...))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) events() []connector.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []connector.Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *recordingSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startBroker(t *testing.T) (*broker.Broker, string) {
	t.Helper()
	store := auth.NewMemoryStore(
		auth.UserRecord{Ident: "sensor", Secret: "s", PubChannels: []string{"*"}},
		auth.UserRecord{Ident: "collector", Secret: "c", SubChannels: []string{"*"}},
	)
	b := broker.New(auth.NewEngine(store, auth.EngineOptions{}), broker.Options{Logger: quietLogger()})
	srv := transport.NewServer(b.HandleConn, nil)
	require.NoError(t, srv.Start("127.0.0.1:0"))
	t.Cleanup(srv.Stop)
	return b, srv.Addr().String()
}

func runCollector(t *testing.T, c *Collector) (cancel func() error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return func() error {
		stop()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("collector did not stop")
			return nil
		}
	}
}

func publisher(t *testing.T, addr string) *client.Client {
	t.Helper()
	p, err := client.Dial(context.Background(), addr, "sensor", "s")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestNew_Validation(t *testing.T) {
	sink := &recordingSink{}
	_, err := New(sink, Options{Ident: "x", Channels: []string{"a"}})
	assert.Error(t, err)
	_, err = New(sink, Options{Addr: "127.0.0.1:1", Ident: "x"})
	assert.Error(t, err)

	c, err := New(sink, Options{Addr: "127.0.0.1:1", Ident: "x", Channels: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, c.opts.BatchSize)
	assert.Equal(t, DefaultFlushInterval, c.opts.FlushInterval)
}

func TestCollector_FlushesOnBatchSize(t *testing.T) {
	b, addr := startBroker(t)
	sink := &recordingSink{}
	c, err := New(sink, Options{
		Addr: addr, Ident: "collector", Secret: "c",
		Channels:      []string{"malware", "log"},
		BatchSize:     3,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	stop := runCollector(t, c)

	require.Eventually(t, func() bool { return b.Channels() == 2 }, 2*time.Second, 5*time.Millisecond)
	p := publisher(t, addr)
	for i := 0; i < 6; i++ {
		require.NoError(t, p.Publish("malware", []byte(fmt.Sprintf(`{"n":%d}`, i))))
	}

	require.Eventually(t, func() bool { return len(sink.events()) == 6 }, 3*time.Second, 10*time.Millisecond)
	ev := sink.events()
	assert.Equal(t, "malware", ev[0].Channel)
	assert.Equal(t, "sensor", ev[0].Ident)
	assert.Equal(t, []byte(`{"n":0}`), ev[0].Payload)
	assert.Equal(t, []byte(`{"n":5}`), ev[5].Payload)
	sink.mu.Lock()
	for _, batch := range sink.batches {
		assert.LessOrEqual(t, len(batch), 3)
	}
	sink.mu.Unlock()

	require.NoError(t, stop())
	st := c.Stats()
	assert.Equal(t, uint64(6), st.Received)
	assert.Equal(t, uint64(6), st.Forwarded)
}

func TestCollector_FlushesOnInterval(t *testing.T) {
	b, addr := startBroker(t)
	sink := &recordingSink{}
	c, err := New(sink, Options{
		Addr: addr, Ident: "collector", Secret: "c",
		Channels:      []string{"log"},
		BatchSize:     1000,
		FlushInterval: 50 * time.Millisecond,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	stop := runCollector(t, c)
	defer stop() //nolint:errcheck

	require.Eventually(t, func() bool { return b.Channels() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, publisher(t, addr).Publish("log", []byte("one")))

	require.Eventually(t, func() bool { return len(sink.events()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestCollector_FlushesPendingOnShutdown(t *testing.T) {
	b, addr := startBroker(t)
	sink := &recordingSink{}
	c, err := New(sink, Options{
		Addr: addr, Ident: "collector", Secret: "c",
		Channels:      []string{"log"},
		BatchSize:     1000,
		FlushInterval: time.Hour,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	stop := runCollector(t, c)

	require.Eventually(t, func() bool { return b.Channels() == 1 }, 2*time.Second, 5*time.Millisecond)
	p := publisher(t, addr)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Publish("log", []byte("x")))
	}
	require.Eventually(t, func() bool { return c.Stats().Received == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.events())

	require.NoError(t, stop())
	assert.Len(t, sink.events(), 5)
}

func TestCollector_RetriesFailedWrites(t *testing.T) {
	b, addr := startBroker(t)
	sink := &recordingSink{failures: 2}
	c, err := New(sink, Options{
		Addr: addr, Ident: "collector", Secret: "c",
		Channels:      []string{"malware"},
		BatchSize:     2,
		FlushInterval: time.Hour,
		Backoff:       5 * time.Millisecond,
		MaxBackoff:    20 * time.Millisecond,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	stop := runCollector(t, c)
	defer stop() //nolint:errcheck

	require.Eventually(t, func() bool { return b.Channels() == 1 }, 2*time.Second, 5*time.Millisecond)
	p := publisher(t, addr)
	require.NoError(t, p.Publish("malware", []byte("a")))
	require.NoError(t, p.Publish("malware", []byte("b")))

	require.Eventually(t, func() bool { return sink.batchCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	ev := sink.events()
	require.Len(t, ev, 2)
	assert.Equal(t, []byte("a"), ev[0].Payload)
	assert.Equal(t, []byte("b"), ev[1].Payload)
}

func TestCollector_RestartsSubscriberOnAuthFailure(t *testing.T) {
	_, addr := startBroker(t)
	before := testutil.ToFloat64(metrics.SupervisorRestartsTotal.WithLabelValues("collector-subscriber"))

	c, err := New(&recordingSink{}, Options{
		Addr: addr, Ident: "collector", Secret: "wrong",
		Channels:   []string{"malware"},
		Backoff:    5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	stop := runCollector(t, c)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.SupervisorRestartsTotal.WithLabelValues("collector-subscriber")) >= before+2
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, stop())
	assert.Zero(t, c.Stats().Received)
}
