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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTP body formats.
const (
	// HTTPJSON posts the batch as one JSON array.
	HTTPJSON = "json"
	// HTTPSplunk posts Splunk HTTP Event Collector records, one per line.
	HTTPSplunk = "splunk"
)

// HTTPSink posts each batch to a URL.
type HTTPSink struct {
	*baseSink
	client *http.Client
	url    string
	token  string
	format string
}

// NewHTTPSink posts to cfg.URL in cfg.Mode format.
func NewHTTPSink(cfg Config) (*HTTPSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: http sink needs a url", ErrSinkConfiguration)
	}
	format := strings.ToLower(cfg.Mode)
	switch format {
	case "":
		format = HTTPJSON
	case HTTPJSON, HTTPSplunk:
	default:
		return nil, fmt.Errorf("%w: http mode %q (want json or splunk)", ErrSinkConfiguration, cfg.Mode)
	}
	return &HTTPSink{
		baseSink: newBaseSink(TypeHTTP),
		client:   &http.Client{Timeout: cfg.timeout()},
		url:      cfg.URL,
		token:    cfg.Token,
		format:   format,
	}, nil
}

type splunkEvent struct {
	Time       int64  `json:"time"`
	Event      Event  `json:"event"`
	SourceType string `json:"sourcetype"`
}

func (s *HTTPSink) body(events []Event) ([]byte, error) {
	if s.format == HTTPJSON {
		return json.Marshal(events)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(splunkEvent{Time: e.Timestamp.Unix(), Event: e, SourceType: "_json"}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Write posts the batch in one request. Any non-2xx response fails the batch.
func (s *HTTPSink) Write(ctx context.Context, events []Event) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	body, err := s.body(events)
	if err != nil {
		return s.record(len(events), err)
	}
	return s.record(len(events), s.post(ctx, body))
}

func (s *HTTPSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	s.addAuthentication(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http post failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// addAuthentication adds authentication to the request
func (s *HTTPSink) addAuthentication(req *http.Request) {
	if s.token == "" {
		return
	}
	if s.format == HTTPSplunk {
		req.Header.Set("Authorization", "Splunk "+s.token)
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	if s.markClosed() {
		s.client.CloseIdleConnections()
	}
	return nil
}
