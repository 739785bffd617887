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


// Package client is an HPFeeds client used by the command-line tools and the
// collector.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/turtacn/hpfeeds-go/pkg/protocol/hpfeeds"
)

// ErrUnexpectedFrame is returned when the broker opens with anything other
// than an Info frame.
var ErrUnexpectedFrame = errors.New("client: unexpected frame")

// ServerError is an Error frame received from the broker.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "hpfeeds broker: " + e.Message
}

type options struct {
	tlsConfig   *tls.Config
	dialTimeout time.Duration
}

// Option configures Dial.
type Option func(*options)

// WithTLS connects over TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) { o.tlsConfig = cfg }
}

// WithDialTimeout bounds connecting and the handshake. The default is 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// Client is an authenticated HPFeeds connection. Writes may be issued from
// any goroutine; reads must come from a single goroutine.
type Client struct {
	nc    net.Conn
	r     *hpfeeds.Reader
	ident string
	name  string

	wmu sync.Mutex
}

// Dial connects to addr, reads the broker's Info frame and authenticates as
// ident. The broker does not acknowledge a successful login, so a rejected
// secret surfaces as a ServerError from the first read.
func Dial(ctx context.Context, addr, ident, secret string, opts ...Option) (*Client, error) {
	o := options{dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.dialTimeout)
		defer cancel()
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if o.tlsConfig != nil {
		tc := tls.Client(nc, o.tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		nc = tc
	}

	c := &Client{nc: nc, r: hpfeeds.NewReader(nc), ident: ident}
	if err := c.handshake(ctx, secret); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context, secret string) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetDeadline(dl)
		defer c.nc.SetDeadline(time.Time{}) //nolint:errcheck
	}
	f, err := c.r.ReadFrame()
	if err != nil {
		return fmt.Errorf("failed to read broker info: %w", err)
	}
	var info *hpfeeds.InfoFrame
	switch fr := f.(type) {
	case *hpfeeds.InfoFrame:
		info = fr
	case *hpfeeds.ErrorFrame:
		return &ServerError{Message: fr.Message}
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Opcode())
	}
	c.name = info.Name
	return c.send(&hpfeeds.AuthFrame{Ident: c.ident, Digest: hpfeeds.HashSecret(info.Nonce, secret)})
}

func (c *Client) send(f hpfeeds.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return hpfeeds.WriteFrame(c.nc, f)
}

// BrokerName returns the name announced by the broker.
func (c *Client) BrokerName() string { return c.name }

// Ident returns the identity the client authenticated as.
func (c *Client) Ident() string { return c.ident }

// Publish sends payload to channel.
func (c *Client) Publish(channel string, payload []byte) error {
	return c.send(&hpfeeds.PublishFrame{Ident: c.ident, Channel: channel, Payload: payload})
}

// Subscribe asks for publishes on each channel.
func (c *Client) Subscribe(channels ...string) error {
	for _, ch := range channels {
		if err := c.send(&hpfeeds.SubscribeFrame{Ident: c.ident, Channel: ch}); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe cancels earlier subscriptions.
func (c *Client) Unsubscribe(channels ...string) error {
	for _, ch := range channels {
		if err := c.send(&hpfeeds.UnsubscribeFrame{Ident: c.ident, Channel: ch}); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame returns the next frame from the broker.
func (c *Client) ReadFrame() (hpfeeds.Frame, error) {
	return c.r.ReadFrame()
}

// ReadPublish returns the next Publish frame. An Error frame from the broker
// is returned as a *ServerError; the connection stays usable unless the
// broker closes it.
func (c *Client) ReadPublish() (*hpfeeds.PublishFrame, error) {
	for {
		f, err := c.r.ReadFrame()
		if err != nil {
			return nil, err
		}
		switch fr := f.(type) {
		case *hpfeeds.PublishFrame:
			return fr, nil
		case *hpfeeds.ErrorFrame:
			return nil, &ServerError{Message: fr.Message}
		}
	}
}

// SetReadDeadline sets the deadline for subsequent reads.
func (c *Client) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.nc.Close()
}
