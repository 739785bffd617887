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
	"sync"
	"sync/atomic"
	"time"
)

// Stats counts what a sink has delivered.
type Stats struct {
	Batches       int64      `json:"batches"`
	EventsWritten int64      `json:"events_written"`
	EventsFailed  int64      `json:"events_failed"`
	LastError     string     `json:"last_error,omitempty"`
	LastErrorTime *time.Time `json:"last_error_time,omitempty"`
	LastWriteTime *time.Time `json:"last_write_time,omitempty"`
}

// baseSink provides the bookkeeping shared by every sink implementation.
type baseSink struct {
	name   string
	closed atomic.Bool

	mu    sync.Mutex
	stats Stats
}

func newBaseSink(name string) *baseSink {
	return &baseSink{name: name}
}

// Name returns the sink type.
func (b *baseSink) Name() string { return b.name }

// Stats returns a snapshot of the sink's counters.
func (b *baseSink) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// begin reports ErrSinkClosed once the sink has been closed.
func (b *baseSink) begin(ctx context.Context) error {
	if b.closed.Load() {
		return ErrSinkClosed
	}
	return ctx.Err()
}

// record accounts for a finished batch and passes err through.
func (b *baseSink) record(n int, err error) error {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Batches++
	if err != nil {
		b.stats.EventsFailed += int64(n)
		b.stats.LastError = err.Error()
		b.stats.LastErrorTime = &now
		return err
	}
	b.stats.EventsWritten += int64(n)
	b.stats.LastWriteTime = &now
	return nil
}

// markClosed reports whether this call closed the sink.
func (b *baseSink) markClosed() bool {
	return b.closed.CompareAndSwap(false, true)
}
