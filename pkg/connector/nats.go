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
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes NATS subjects and MQTT topics.
const DefaultSubjectPrefix = "hpfeeds"

// NATSSink publishes each event on <prefix>.<channel>.
type NATSSink struct {
	*baseSink
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to cfg.URL.
func NewNATSSink(cfg Config) (*NATSSink, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("hpfeeds-collector"),
		nats.Timeout(cfg.timeout()),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	prefix := cfg.Topic
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{baseSink: newBaseSink(TypeNATS), nc: nc, prefix: prefix}, nil
}

// Subject returns the subject events on channel are published to.
func (s *NATSSink) Subject(channel string) string {
	return s.prefix + "." + natsToken(channel)
}

// natsToken makes channel usable as one subject token: NATS reserves '.',
// '*', '>' and whitespace.
func natsToken(channel string) string {
	if channel == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, channel)
}

// Write publishes the batch and flushes, so a nil error means the server
// received every event.
func (s *NATSSink) Write(ctx context.Context, events []Event) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return s.record(len(events), err)
		}
		if err := s.nc.Publish(s.Subject(e.Channel), b); err != nil {
			return s.record(len(events), fmt.Errorf("nats publish: %w", err))
		}
	}
	err := s.nc.FlushWithContext(ctx)
	if err != nil {
		err = fmt.Errorf("nats flush: %w", err)
	}
	return s.record(len(events), err)
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	if !s.markClosed() {
		return nil
	}
	return s.nc.Drain()
}
