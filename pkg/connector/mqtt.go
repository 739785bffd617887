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
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTSink publishes each event on <prefix>/<channel>.
type MQTTSink struct {
	*baseSink
	client  mqtt.Client
	prefix  string
	qos     byte
	timeout time.Duration
}

// NewMQTTSink connects to the broker at cfg.URL (tcp://host:1883).
func NewMQTTSink(cfg Config) (*MQTTSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: mqtt sink needs a broker url", ErrSinkConfiguration)
	}
	if cfg.QoS > 1 {
		return nil, fmt.Errorf("%w: mqtt qos %d (want 0 or 1)", ErrSinkConfiguration, cfg.QoS)
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID("hpfeeds-collector-" + uuid.NewString()[:8]).
		SetConnectTimeout(cfg.timeout()).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(cfg.timeout()) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", cfg.URL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", cfg.URL, err)
	}

	prefix := strings.TrimSuffix(cfg.Topic, "/")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &MQTTSink{
		baseSink: newBaseSink(TypeMQTT),
		client:   client,
		prefix:   prefix,
		qos:      cfg.QoS,
		timeout:  cfg.timeout(),
	}, nil
}

// Topic returns the MQTT topic events on channel are published to.
func (s *MQTTSink) Topic(channel string) string {
	// MQTT wildcards are not allowed in published topic names.
	channel = strings.NewReplacer("+", "_", "#", "_").Replace(channel)
	return s.prefix + "/" + channel
}

// Write publishes every event and waits for all tokens.
func (s *MQTTSink) Write(ctx context.Context, events []Event) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	tokens := make([]mqtt.Token, 0, len(events))
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return s.record(len(events), err)
		}
		tokens = append(tokens, s.client.Publish(s.Topic(e.Channel), s.qos, false, b))
	}

	deadline := time.Now().Add(s.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	for _, t := range tokens {
		if !t.WaitTimeout(time.Until(deadline)) {
			return s.record(len(events), fmt.Errorf("mqtt publish timed out"))
		}
		if err := t.Error(); err != nil {
			return s.record(len(events), fmt.Errorf("mqtt publish: %w", err))
		}
	}
	return s.record(len(events), nil)
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if !s.markClosed() {
		return nil
	}
	s.client.Disconnect(250)
	return nil
}
