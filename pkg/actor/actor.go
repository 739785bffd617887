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


// Package actor provides the minimal actor primitives used across the broker:
// the Actor interface run by the supervisor and a bounded, drop-oldest Mailbox
// that decouples a producer from a consumer that may fall behind.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrMailboxClosed is returned by receive operations once the mailbox has been
// closed and every queued message has been consumed.
var ErrMailboxClosed = errors.New("actor: mailbox closed")

// Actor defines the interface for an actor process.
// An actor owns its state and its mailbox; Start runs the actor's loop and
// blocks until the context is cancelled or the actor fails.
type Actor interface {
	Start(ctx context.Context) error
}

// Mailbox is a bounded FIFO queue for an actor.
//
// Unlike a buffered channel, a full Mailbox never blocks the sender: the
// oldest queued message is evicted to make room and the eviction is counted.
// The consumer learns how many messages it missed through TakeDropped.
type Mailbox[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	n       int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// NewMailbox creates a new mailbox holding at most size messages.
// A size below 1 is treated as 1.
func NewMailbox[T any](size int) *Mailbox[T] {
	if size < 1 {
		size = 1
	}
	return &Mailbox[T]{
		buf:    make([]T, size),
		notify: make(chan struct{}, 1),
	}
}

// Send enqueues msg without blocking. When the mailbox is full the oldest
// message is discarded. Send reports false if the mailbox is closed, in which
// case msg is discarded.
func (mb *Mailbox[T]) Send(msg T) bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return false
	}

	if mb.n == len(mb.buf) {
		var zero T
		mb.buf[mb.head] = zero
		mb.head = (mb.head + 1) % len(mb.buf)
		mb.n--
		mb.dropped++
	}
	mb.buf[(mb.head+mb.n)%len(mb.buf)] = msg
	mb.n++

	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return true
}

// Receive blocks until a message is available, the mailbox is closed and
// drained, or the context is cancelled.
func (mb *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	out, err := mb.ReceiveBatch(ctx, make([]T, 0, 1), 1)
	if err != nil {
		return zero, err
	}
	return out[0], nil
}

// ReceiveBatch blocks until at least one message is available and then
// appends up to max queued messages to dst without waiting for more.
// A max below 1 drains everything currently queued.
func (mb *Mailbox[T]) ReceiveBatch(ctx context.Context, dst []T, max int) ([]T, error) {
	for {
		mb.mu.Lock()
		if mb.n > 0 {
			dst = mb.drainLocked(dst, max)
			mb.mu.Unlock()
			return dst, nil
		}
		closed := mb.closed
		mb.mu.Unlock()
		if closed {
			return dst, ErrMailboxClosed
		}

		select {
		case <-ctx.Done():
			return dst, ctx.Err()
		case <-mb.notify:
		}
	}
}

func (mb *Mailbox[T]) drainLocked(dst []T, max int) []T {
	if max < 1 || max > mb.n {
		max = mb.n
	}
	var zero T
	for i := 0; i < max; i++ {
		dst = append(dst, mb.buf[mb.head])
		mb.buf[mb.head] = zero
		mb.head = (mb.head + 1) % len(mb.buf)
	}
	mb.n -= max
	return dst
}

// TakeDropped returns the number of messages evicted since the last call and
// resets the counter.
func (mb *Mailbox[T]) TakeDropped() uint64 {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	d := mb.dropped
	mb.dropped = 0
	return d
}

// Len returns the number of queued messages.
func (mb *Mailbox[T]) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.n
}

// Cap returns the capacity of the mailbox.
func (mb *Mailbox[T]) Cap() int {
	return len(mb.buf)
}

// Close stops the mailbox from accepting new messages. Messages already queued
// can still be received. Close is idempotent.
func (mb *Mailbox[T]) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	close(mb.notify)
}

// Closed reports whether Close has been called.
func (mb *Mailbox[T]) Closed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closed
}
