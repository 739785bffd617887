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

	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic receives events when no topic is configured.
const DefaultKafkaTopic = "hpfeeds.events"

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink produces one record per event, keyed by channel so each
// channel's events stay ordered within a partition.
type KafkaSink struct {
	*baseSink
	w messageWriter
}

// NewKafkaSink creates a writer for cfg.Brokers and cfg.Topic. Connections
// are made lazily on the first write.
func NewKafkaSink(cfg Config) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka sink needs at least one broker", ErrSinkConfiguration)
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           cfg.timeout(),
		AllowAutoTopicCreation: true,
	}
	return newKafkaSink(w), nil
}

func newKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{baseSink: newBaseSink(TypeKafka), w: w}
}

// Write produces the batch with a single WriteMessages call.
func (s *KafkaSink) Write(ctx context.Context, events []Event) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return s.record(len(events), err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(e.Channel),
			Value:   value,
			Time:    e.Timestamp,
			Headers: []kafka.Header{{Key: "ident", Value: []byte(e.Ident)}},
		})
	}
	err := s.w.WriteMessages(ctx, msgs...)
	if err != nil {
		err = fmt.Errorf("kafka produce: %w", err)
	}
	return s.record(len(events), err)
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	if !s.markClosed() {
		return nil
	}
	return s.w.Close()
}
