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


package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/hpfeeds-go/pkg/actor"
	"github.com/turtacn/hpfeeds-go/pkg/metrics"
	"github.com/turtacn/hpfeeds-go/pkg/protocol/hpfeeds"
	"github.com/turtacn/hpfeeds-go/pkg/session"
)

type connState int32

const (
	stateHandshaking connState = iota
	stateAuthenticating
	stateActive
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateAuthenticating:
		return "authenticating"
	case stateActive:
		return "active"
	default:
		return "closed"
	}
}

// conn is one client connection. The reader half runs in serve; the writer
// half is the session actor draining the connection's mailbox.
type conn struct {
	id          string
	b           *Broker
	nc          net.Conn
	remote      string
	connectedAt time.Time
	reader      *hpfeeds.Reader
	mb          *actor.Mailbox[[]byte]
	sess        *session.Session
	log         *slog.Logger

	state atomic.Int32
	nonce []byte

	// ident is written once before the connection turns active.
	ident atomic.Value

	// subs is only modified by the reader goroutine; mu guards it against
	// concurrent Stats calls.
	mu   sync.Mutex
	subs map[string]struct{}

	framesIn atomic.Uint64
	bytesIn  atomic.Uint64
}

func newConn(b *Broker, nc net.Conn) *conn {
	id := uuid.NewString()
	// The session logger adds its own "session" attribute.
	base := b.log.With("remote", nc.RemoteAddr().String())
	mb := actor.NewMailbox[[]byte](b.opts.QueueSize)
	c := &conn{
		id:          id,
		b:           b,
		nc:          nc,
		remote:      nc.RemoteAddr().String(),
		connectedAt: time.Now(),
		reader:      hpfeeds.NewReader(nc),
		mb:          mb,
		log:         base.With("session", id),
		subs:        make(map[string]struct{}),
	}
	c.sess = session.New(id, nc, mb, session.Options{
		BatchLimit:   b.opts.BatchLimit,
		WriteTimeout: b.opts.WriteTimeout,
		NotifyLag:    b.opts.NotifyLag,
		Logger:       base,
	})
	c.ident.Store("")
	return c
}

func (c *conn) setState(s connState) {
	c.state.Store(int32(s))
}

func (c *conn) getState() connState {
	return connState(c.state.Load())
}

func (c *conn) identity() string {
	return c.ident.Load().(string)
}

// serve drives the connection through handshake, authentication and the
// active phase. Every exit path deregisters all subscriptions and closes the
// socket.
func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Closing the socket is the only way to interrupt a blocked read.
	stop := context.AfterFunc(ctx, func() { c.nc.Close() })
	defer stop()
	defer c.nc.Close()
	defer c.setState(stateClosed)

	c.log.Debug("accepted connection")

	if err := c.handshake(); err != nil {
		c.log.Debug("handshake failed", "error", err)
		return
	}
	if err := c.authenticate(ctx); err != nil {
		c.fail(err)
		return
	}

	writerDone := make(chan error, 1)
	go func() {
		err := c.sess.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Debug("writer stopped", "error", err)
			// Unblock the reader.
			c.nc.Close()
		}
		writerDone <- err
	}()

	err := c.readLoop(ctx)
	c.unsubscribeAll()
	if reason := protocolReason(err); reason != "" {
		metrics.ProtocolErrorsTotal.WithLabelValues(reason).Inc()
		c.log.Warn("closing connection on protocol error", "ident", c.identity(), "error", err)
		_ = c.sess.Send(&hpfeeds.ErrorFrame{Message: msgProtocolError})
	} else if err != nil && !isClosedErr(err) {
		c.log.Warn("connection error", "ident", c.identity(), "error", err)
	} else {
		c.log.Debug("client disconnected", "ident", c.identity())
	}
	c.mb.Close()

	// Let the writer flush what is already queued.
	select {
	case <-writerDone:
	case <-time.After(c.b.opts.DrainTimeout):
		c.log.Debug("gave up draining outbound queue")
	}
}

// fail reports an error from the handshake phases, where the writer is not
// running yet and replies go straight to the socket.
func (c *conn) fail(err error) {
	msg := msgProtocolError
	switch reason := protocolReason(err); {
	case errors.Is(err, ErrAuthFailed):
		msg = msgAuthFailed
	case reason != "":
		metrics.ProtocolErrorsTotal.WithLabelValues(reason).Inc()
		c.log.Warn("closing connection on protocol error", "error", err)
	default:
		c.log.Debug("connection closed during authentication", "error", err)
		return
	}
	_ = c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	_ = hpfeeds.WriteFrame(c.nc, &hpfeeds.ErrorFrame{Message: msg})
}

func (c *conn) handshake() error {
	nonce, err := hpfeeds.NewNonce()
	if err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	c.nonce = nonce

	if t := c.b.opts.AuthTimeout; t > 0 {
		_ = c.nc.SetDeadline(time.Now().Add(t))
	}
	if err := hpfeeds.WriteFrame(c.nc, &hpfeeds.InfoFrame{Name: c.b.opts.Name, Nonce: nonce}); err != nil {
		return err
	}
	c.setState(stateAuthenticating)
	return nil
}

func (c *conn) authenticate(ctx context.Context) error {
	c.reader.SetLimit(hpfeeds.MaxAuthFrameSize)
	f, err := c.reader.ReadFrame()
	if err != nil {
		return err
	}
	af, ok := f.(*hpfeeds.AuthFrame)
	if !ok {
		return fmt.Errorf("%w: %s before auth", ErrUnexpectedFrame, f.Opcode())
	}

	id, err := c.b.auth.Authenticate(ctx, af.Ident, c.nonce, af.Digest)
	if err != nil {
		metrics.AuthFailTotal.Inc()
		c.log.Warn("authentication failed", "ident", af.Ident, "error", err)
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	metrics.AuthSuccessTotal.Inc()

	c.ident.Store(id.Ident)
	c.log = c.log.With("ident", id.Ident)
	c.reader.SetLimit(hpfeeds.MaxFrameSize)
	_ = c.nc.SetDeadline(time.Time{})
	c.setState(stateActive)
	c.log.Info("client authenticated")
	return nil
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		raw, err := c.reader.ReadRaw()
		if err != nil {
			return err
		}
		c.framesIn.Add(1)
		c.bytesIn.Add(uint64(len(raw)))

		f, _, err := hpfeeds.Decode(raw)
		if err != nil {
			return err
		}
		switch fr := f.(type) {
		case *hpfeeds.PublishFrame:
			c.handlePublish(ctx, fr, raw)
		case *hpfeeds.SubscribeFrame:
			c.handleSubscribe(ctx, fr.Channel)
		case *hpfeeds.UnsubscribeFrame:
			c.handleUnsubscribe(fr.Channel)
		default:
			return fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Opcode())
		}
	}
}

// handlePublish forwards raw, the frame exactly as read from the wire, to
// every subscriber of the channel. The ident check guarantees raw already
// names the publishing identity, so it can be shared without re-encoding.
func (c *conn) handlePublish(ctx context.Context, fr *hpfeeds.PublishFrame, raw []byte) {
	ident := c.identity()
	if fr.Ident != ident {
		metrics.DeniedTotal.WithLabelValues("publish").Inc()
		c.log.Warn("publish with foreign identity", "claimed", fr.Ident, "channel", fr.Channel)
		_ = c.sess.Send(&hpfeeds.ErrorFrame{Message: msgIdentityMismatch})
		return
	}
	if !c.b.auth.AuthorizePublish(ctx, ident, fr.Channel) {
		metrics.DeniedTotal.WithLabelValues("publish").Inc()
		c.log.Info("publish denied", "channel", fr.Channel)
		_ = c.sess.Send(&hpfeeds.ErrorFrame{Message: msgPublishDenied(fr.Channel)})
		return
	}

	metrics.PublishedTotal.WithLabelValues(fr.Channel).Inc()
	metrics.PublishedBytesTotal.WithLabelValues(fr.Channel).Add(float64(len(fr.Payload)))

	n := c.b.topics.Publish(fr.Channel, raw)
	if n > 0 {
		metrics.DeliveredTotal.WithLabelValues(fr.Channel).Add(float64(n))
		metrics.DeliveredBytesTotal.WithLabelValues(fr.Channel).Add(float64(n * len(raw)))
	}
}

func (c *conn) handleSubscribe(ctx context.Context, channel string) {
	if !c.b.auth.AuthorizeSubscribe(ctx, c.identity(), channel) {
		metrics.DeniedTotal.WithLabelValues("subscribe").Inc()
		c.log.Info("subscribe denied", "channel", channel)
		_ = c.sess.Send(&hpfeeds.ErrorFrame{Message: msgSubscribeDenied(channel)})
		return
	}

	c.mu.Lock()
	_, already := c.subs[channel]
	c.subs[channel] = struct{}{}
	c.mu.Unlock()
	if already {
		return
	}
	c.b.topics.Subscribe(channel, c.sess)
	c.log.Debug("subscribed", "channel", channel)
}

func (c *conn) handleUnsubscribe(channel string) {
	c.mu.Lock()
	_, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.b.topics.Unsubscribe(channel, c.sess)
	c.log.Debug("unsubscribed", "channel", channel)
}

func (c *conn) unsubscribeAll() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		channels = append(channels, ch)
	}
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	c.b.topics.RemoveAll(c.sess, channels)
}

func (c *conn) stats() SessionStats {
	c.mu.Lock()
	subs := make([]string, 0, len(c.subs))
	for ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()
	sort.Strings(subs)

	return SessionStats{
		ID:            c.id,
		Ident:         c.identity(),
		Remote:        c.remote,
		State:         c.getState().String(),
		ConnectedAt:   c.connectedAt,
		Subscriptions: subs,
		FramesIn:      c.framesIn.Load(),
		BytesIn:       c.bytesIn.Load(),
		FramesOut:     c.sess.FramesOut(),
		BytesOut:      c.sess.BytesOut(),
		Dropped:       c.sess.Dropped(),
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed)
}
