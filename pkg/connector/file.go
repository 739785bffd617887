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
	"fmt"
	"io"
	"os"
	"sync"
)

// FileSink appends JSON lines to a writer. The console sink is a FileSink
// on stdout.
type FileSink struct {
	*baseSink
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	buf    []byte
}

// NewConsoleSink writes to stdout.
func NewConsoleSink() *FileSink {
	return NewWriterSink(TypeConsole, os.Stdout)
}

// NewWriterSink writes to w, which is never closed by the sink.
func NewWriterSink(name string, w io.Writer) *FileSink {
	return &FileSink{baseSink: newBaseSink(name), w: w}
}

// NewFileSink appends to path, creating it if needed.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file sink needs a path", ErrSinkConfiguration)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	s := NewWriterSink(TypeFile, f)
	s.closer = f
	return s, nil
}

// Write appends one line per event with a single write call.
func (s *FileSink) Write(ctx context.Context, events []Event) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	s.buf, err = encodeLines(s.buf[:0], events)
	if err == nil {
		_, err = s.w.Write(s.buf)
	}
	return s.record(len(events), err)
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	if !s.markClosed() || s.closer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closer.Close()
}
