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


// package transport is responsible for the network transport layer of the
// broker. It provides a TCP server, optionally terminating TLS, that accepts
// client connections and hands each one to a connection handler.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Handler serves one accepted connection. It runs in its own goroutine and
// must return once ctx is cancelled.
type Handler func(ctx context.Context, conn net.Conn)

// Server manages the accepting and handling of raw TCP connections.
type Server struct {
	listener  net.Listener
	handler   Handler
	tlsConfig *tls.Config
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	stopOnce  sync.Once
}

// NewServer creates and returns a new transport Server. When tlsConfig is
// non-nil every accepted connection is wrapped in a TLS server session.
func NewServer(handler Handler, tlsConfig *tls.Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler:   handler,
		tlsConfig: tlsConfig,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins listening for new connections on the specified network address.
// It starts the accept loop in a new goroutine.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.Serve(ln)
	return nil
}

// Serve starts the accept loop on an existing listener.
func (s *Server) Serve(ln net.Listener) {
	s.listener = ln
	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("TCP server started", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)
}

// Stop closes the listener, cancels every connection handler and waits for
// them to return.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.wg.Wait()
		slog.Info("TCP server stopped")
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Back off on temporary failures such as EMFILE.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			slog.Error("error accepting connection", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		if s.tlsConfig != nil {
			conn = tls.Server(conn, s.tlsConfig)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler(s.ctx, conn)
		}()
	}
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
