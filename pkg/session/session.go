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


// package session provides the writer actor for a single client connection.
// A Session drains the connection's outbound mailbox and coalesces whatever
// frames are already queued into one socket write.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/turtacn/hpfeeds-go/pkg/actor"
	"github.com/turtacn/hpfeeds-go/pkg/metrics"
	"github.com/turtacn/hpfeeds-go/pkg/protocol/hpfeeds"
)

// DefaultBatchLimit is the most frames coalesced into a single write.
const DefaultBatchLimit = 128

// Options tunes a Session.
type Options struct {
	// BatchLimit caps the frames drained per write. Zero means DefaultBatchLimit.
	BatchLimit int
	// WriteTimeout, when positive, is applied as a write deadline to
	// connections that support one.
	WriteTimeout time.Duration
	// NotifyLag prepends an Error frame announcing dropped messages to the
	// next write after the mailbox evicted frames.
	NotifyLag bool
	Logger    *slog.Logger
}

// Session is an actor that writes queued frames to a client connection.
// It also acts as the connection's delivery handle in the channel registry.
type Session struct {
	ID   string
	conn io.Writer
	mb   *actor.Mailbox[[]byte]
	opts Options
	log  *slog.Logger

	framesOut atomic.Uint64
	bytesOut  atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a new Session writing to conn and reading from mb.
func New(id string, conn io.Writer, mb *actor.Mailbox[[]byte], opts Options) *Session {
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:   id,
		conn: conn,
		mb:   mb,
		opts: opts,
		log:  logger.With("session", id),
	}
}

// Deliver queues an encoded frame for this connection without blocking.
// It reports false once the session's mailbox has been closed.
func (s *Session) Deliver(frame []byte) bool {
	return s.mb.Send(frame)
}

// Send encodes f and queues it.
func (s *Session) Send(f hpfeeds.Frame) error {
	buf, err := hpfeeds.Encode(f)
	if err != nil {
		return err
	}
	if !s.mb.Send(buf) {
		return actor.ErrMailboxClosed
	}
	return nil
}

// FramesOut returns the number of frames written so far.
func (s *Session) FramesOut() uint64 { return s.framesOut.Load() }

// BytesOut returns the number of bytes written so far.
func (s *Session) BytesOut() uint64 { return s.bytesOut.Load() }

// Dropped returns the number of frames evicted because the client fell behind.
func (s *Session) Dropped() uint64 { return s.dropped.Load() }

// Start is the main loop for the Session actor. It returns nil once the
// mailbox is closed and fully written, or the first write error.
func (s *Session) Start(ctx context.Context) error {
	var (
		batch = make([][]byte, 0, s.opts.BatchLimit)
		buf   []byte
		err   error
	)
	_, vectored := s.conn.(*net.TCPConn)

	for {
		batch, err = s.mb.ReceiveBatch(ctx, batch[:0], s.opts.BatchLimit)
		if err != nil {
			if errors.Is(err, actor.ErrMailboxClosed) {
				return nil
			}
			return err
		}

		frames := len(batch)
		if n := s.mb.TakeDropped(); n > 0 {
			s.dropped.Add(n)
			metrics.LaggedTotal.Add(float64(n))
			s.log.Warn("subscriber lagging, dropped frames", "dropped", n)
			if s.opts.NotifyLag {
				notice, _ := hpfeeds.Encode(&hpfeeds.ErrorFrame{Message: fmt.Sprintf("lagged: %d messages dropped", n)})
				batch = append([][]byte{notice}, batch...)
				frames++
			}
		}

		var written int64
		if vectored {
			// writev on TCP sockets avoids copying shared frames per subscriber.
			bufs := net.Buffers(batch)
			written, err = s.writeBuffers(&bufs)
		} else {
			buf = buf[:0]
			for _, f := range batch {
				buf = append(buf, f...)
			}
			written, err = s.writeAll(buf)
		}
		clear(batch)
		if err != nil {
			return fmt.Errorf("session %s: write: %w", s.ID, err)
		}

		s.framesOut.Add(uint64(frames))
		s.bytesOut.Add(uint64(written))
		metrics.WriteBatchFrames.Observe(float64(frames))
	}
}

func (s *Session) setDeadline() {
	if s.opts.WriteTimeout <= 0 {
		return
	}
	if dc, ok := s.conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = dc.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
}

func (s *Session) writeBuffers(bufs *net.Buffers) (int64, error) {
	s.setDeadline()
	return bufs.WriteTo(s.conn)
}

// writeAll loops until buf is fully written. A writer that reports a short
// write without an error is retried with the remainder.
func (s *Session) writeAll(buf []byte) (int64, error) {
	var total int64
	for len(buf) > 0 {
		s.setDeadline()
		n, err := s.conn.Write(buf)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
		buf = buf[n:]
	}
	return total, nil
}
