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


// Package connector delivers collected HPFeeds events to external systems:
// files, Redis, SQL databases, Kafka, NATS, MQTT brokers and HTTP endpoints.
package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Event is one Publish frame as seen by the collector.
type Event struct {
	Timestamp time.Time
	Channel   string
	Ident     string
	Payload   []byte
}

type eventJSON struct {
	Timestamp  time.Time       `json:"timestamp"`
	Channel    string          `json:"channel"`
	Ident      string          `json:"ident"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	PayloadB64 string          `json:"payload_b64,omitempty"`
}

// MarshalJSON embeds the payload as JSON when it is valid JSON, as a string
// when it is valid UTF-8, and base64 encoded under payload_b64 otherwise.
func (e Event) MarshalJSON() ([]byte, error) {
	w := eventJSON{
		Timestamp: e.Timestamp.UTC(),
		Channel:   e.Channel,
		Ident:     e.Ident,
	}
	switch {
	case len(e.Payload) > 0 && json.Valid(e.Payload):
		w.Payload = e.Payload
	case utf8.Valid(e.Payload):
		s, err := json.Marshal(string(e.Payload))
		if err != nil {
			return nil, err
		}
		w.Payload = s
	default:
		w.PayloadB64 = base64.StdEncoding.EncodeToString(e.Payload)
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON. A JSON string payload yields its
// UTF-8 bytes; any other JSON value yields its compact encoding.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.Timestamp = w.Timestamp
	e.Channel = w.Channel
	e.Ident = w.Ident
	e.Payload = nil

	switch {
	case w.PayloadB64 != "":
		p, err := base64.StdEncoding.DecodeString(w.PayloadB64)
		if err != nil {
			return fmt.Errorf("payload_b64: %w", err)
		}
		e.Payload = p
	case len(w.Payload) > 0 && w.Payload[0] == '"':
		var s string
		if err := json.Unmarshal(w.Payload, &s); err != nil {
			return err
		}
		e.Payload = []byte(s)
	case len(w.Payload) > 0:
		e.Payload = []byte(w.Payload)
	}
	return nil
}

// Sink writes batches of events to an external system.
type Sink interface {
	// Name identifies the sink in logs, e.g. "redis".
	Name() string
	// Write delivers the batch. A partial failure reports an error for the
	// whole batch.
	Write(ctx context.Context, events []Event) error
	Close() error
}

// Config selects and configures a sink. Each sink type reads only the
// fields it needs.
type Config struct {
	Type string `mapstructure:"type" yaml:"type" json:"type"`

	// Path is the output file of the file sink.
	Path string `mapstructure:"path" yaml:"path" json:"path,omitempty"`
	// URL addresses the redis, nats, mqtt and http sinks.
	URL string `mapstructure:"url" yaml:"url" json:"url,omitempty"`
	// Brokers lists the Kafka bootstrap servers.
	Brokers []string `mapstructure:"brokers" yaml:"brokers" json:"brokers,omitempty"`
	// Driver and DSN open the SQL sink; Table names its destination table.
	Driver string `mapstructure:"driver" yaml:"driver" json:"driver,omitempty"`
	DSN    string `mapstructure:"dsn" yaml:"dsn" json:"dsn,omitempty"`
	Table  string `mapstructure:"table" yaml:"table" json:"table,omitempty"`
	// Topic is the Redis key or channel, the Kafka topic, or the NATS
	// subject and MQTT topic prefix.
	Topic string `mapstructure:"topic" yaml:"topic" json:"topic,omitempty"`
	// Mode picks publish or rpush for redis, json or splunk for http.
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode,omitempty"`
	// Token authenticates the http sink.
	Token string `mapstructure:"token" yaml:"token" json:"token,omitempty"`
	// QoS is the MQTT publish QoS, 0 or 1.
	QoS byte `mapstructure:"qos" yaml:"qos" json:"qos,omitempty"`
	// Timeout bounds connecting and each write. Zero means 10s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout,omitempty"`
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

// encodeLines renders events as newline terminated JSON.
func encodeLines(dst []byte, events []Event) ([]byte, error) {
	for _, e := range events {
		b, err := json.Marshal(e)
		if err != nil {
			return dst, err
		}
		dst = append(dst, b...)
		dst = append(dst, '\n')
	}
	return dst, nil
}
