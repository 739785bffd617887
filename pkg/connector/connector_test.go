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
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testEvents() []Event {
	return []Event{
		{Timestamp: testTime, Channel: "malware", Ident: "sensor", Payload: []byte(`{"md5":"abc"}`)},
		{Timestamp: testTime, Channel: "log", Ident: "sensor", Payload: []byte("plain text")},
		{Timestamp: testTime, Channel: "bin", Ident: "sensor", Payload: []byte{0xff, 0x00, 0xfe}},
	}
}

func TestEvent_MarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"json object is embedded", []byte(`{"a": 1}`), `"payload":{"a":1}`},
		{"json number is embedded", []byte(`42`), `"payload":42`},
		{"utf8 text becomes a string", []byte("hello world"), `"payload":"hello world"`},
		{"empty payload is an empty string", nil, `"payload":""`},
		{"binary goes to payload_b64", []byte{0xff, 0xfe}, `"payload_b64":"//4="`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Event{Timestamp: testTime, Channel: "c", Ident: "i", Payload: tt.payload}
			b, err := json.Marshal(e)
			require.NoError(t, err)
			assert.Contains(t, string(b), tt.want)
			assert.Contains(t, string(b), `"timestamp":"2024-05-01T12:00:00Z"`)
			assert.Contains(t, string(b), `"channel":"c","ident":"i"`)
		})
	}
}

func TestEvent_MarshalJSONIsOneLine(t *testing.T) {
	e := Event{Payload: []byte("{\n  \"a\": [1,\n 2]\n}")}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "\n")
}

func TestEvent_UnmarshalJSON(t *testing.T) {
	for _, in := range testEvents() {
		b, err := json.Marshal(in)
		require.NoError(t, err)

		var out Event
		require.NoError(t, json.Unmarshal(b, &out))
		assert.Equal(t, in.Channel, out.Channel)
		assert.Equal(t, in.Ident, out.Ident)
		assert.True(t, in.Timestamp.Equal(out.Timestamp))
		assert.Equal(t, in.Payload, out.Payload)
	}

	var bad Event
	assert.Error(t, json.Unmarshal([]byte(`{"payload_b64":"!!"}`), &bad))
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"console", "file", "http", "kafka", "mqtt", "mysql", "nats", "postgres", "redis"}, r.Types())

	_, err := r.New(context.Background(), Config{Type: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownSink)

	s, err := r.New(context.Background(), Config{Type: TypeConsole})
	require.NoError(t, err)
	assert.Equal(t, "console", s.Name())
	require.NoError(t, s.Close())

	_, err = r.New(context.Background(), Config{Type: TypeFile})
	assert.ErrorIs(t, err, ErrSinkConfiguration)
	_, err = r.New(context.Background(), Config{Type: TypePostgres})
	assert.ErrorIs(t, err, ErrSinkConfiguration)
	_, err = r.New(context.Background(), Config{Type: TypeKafka})
	assert.ErrorIs(t, err, ErrSinkConfiguration)
	_, err = r.New(context.Background(), Config{Type: TypeMQTT})
	assert.ErrorIs(t, err, ErrSinkConfiguration)
	_, err = r.New(context.Background(), Config{Type: TypeHTTP})
	assert.ErrorIs(t, err, ErrSinkConfiguration)
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register("discard", func(context.Context, Config) (Sink, error) {
		return NewWriterSink("discard", io.Discard), nil
	})
	s, err := r.New(context.Background(), Config{Type: "discard"})
	require.NoError(t, err)
	assert.NoError(t, s.Write(context.Background(), testEvents()))
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := NewFileSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Write(ctx, testEvents()[:2]))
	require.NoError(t, s.Write(ctx, testEvents()[2:]))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "close is idempotent")
	assert.ErrorIs(t, s.Write(ctx, testEvents()), ErrSinkClosed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "malware", first.Channel)

	stats := s.Stats()
	assert.Equal(t, int64(2), stats.Batches)
	assert.Equal(t, int64(3), stats.EventsWritten)
	assert.NotNil(t, stats.LastWriteTime)
}

func TestFileSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	for i := 0; i < 2; i++ {
		s, err := NewFileSink(path)
		require.NoError(t, err)
		require.NoError(t, s.Write(context.Background(), testEvents()[:1]))
		require.NoError(t, s.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriterSink_RecordsFailure(t *testing.T) {
	s := NewWriterSink("broken", failingWriter{})
	err := s.Write(context.Background(), testEvents())
	require.Error(t, err)

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.EventsFailed)
	assert.Equal(t, "disk full", stats.LastError)
	assert.NotNil(t, stats.LastErrorTime)
}

func TestWriterSink_CancelledContext(t *testing.T) {
	s := NewWriterSink("discard", io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Write(ctx, testEvents()), context.Canceled)
}

func TestHTTPSink_JSON(t *testing.T) {
	var got []Event
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewHTTPSink(Config{URL: srv.URL, Token: "t0ken"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(context.Background(), testEvents()))
	assert.Equal(t, "Bearer t0ken", auth)
	require.Len(t, got, 3)
	assert.Equal(t, testEvents()[2].Payload, got[2].Payload)
}

func TestHTTPSink_Splunk(t *testing.T) {
	var lines []string
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		lines = strings.Split(strings.TrimSpace(string(body)), "\n")
	}))
	defer srv.Close()

	s, err := NewHTTPSink(Config{URL: srv.URL, Token: "hec", Mode: "splunk"})
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), testEvents()))

	assert.Equal(t, "Splunk hec", auth)
	require.Len(t, lines, 3)
	var rec struct {
		Time       int64  `json:"time"`
		Event      Event  `json:"event"`
		SourceType string `json:"sourcetype"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, testTime.Unix(), rec.Time)
	assert.Equal(t, "_json", rec.SourceType)
	assert.Equal(t, "malware", rec.Event.Channel)
}

func TestHTTPSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s, err := NewHTTPSink(Config{URL: srv.URL})
	require.NoError(t, err)
	err = s.Write(context.Background(), testEvents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, int64(3), s.Stats().EventsFailed)
}

func TestHTTPSink_BadMode(t *testing.T) {
	_, err := NewHTTPSink(Config{URL: "http://localhost", Mode: "xml"})
	assert.ErrorIs(t, err, ErrSinkConfiguration)
}
