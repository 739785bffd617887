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


package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/hpfeeds-go/pkg/broker"
)

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker("1.2.3")
	assert.True(t, hc.IsHealthy())
	assert.Contains(t, hc.checks, "goroutines")

	st := hc.GetStatus()
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, "unknown", st.Checks["goroutines"].Status)
}

func TestRunChecks(t *testing.T) {
	hc := NewHealthChecker("test")
	calls := 0
	hc.RegisterCheck("backend", func(ctx context.Context) error {
		calls++
		_, ok := ctx.Deadline()
		assert.True(t, ok, "checks run with a deadline")
		return nil
	}, true)

	st := hc.RunChecks(context.Background())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "passed", st.Checks["backend"].Status)
	assert.True(t, st.Checks["backend"].Critical)
	assert.Positive(t, st.SystemInfo.Goroutines)
}

func TestRunChecks_Failures(t *testing.T) {
	tests := []struct {
		name        string
		critical    bool
		wantHealthy bool
	}{
		{"critical failure", true, false},
		{"non-critical failure", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("test")
			hc.RegisterCheck("backend", func(context.Context) error {
				return errors.New("connection refused")
			}, tt.critical)

			st := hc.RunChecks(context.Background())
			assert.Equal(t, tt.wantHealthy, hc.IsHealthy())
			assert.Equal(t, "failed", st.Checks["backend"].Status)
			assert.Equal(t, "connection refused", st.Checks["backend"].Message)
		})
	}
}

func TestRunChecks_Recovers(t *testing.T) {
	hc := NewHealthChecker("test")
	var mu sync.Mutex
	failing := true
	hc.RegisterCheck("backend", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("down")
		}
		return nil
	}, true)

	hc.RunChecks(context.Background())
	assert.False(t, hc.IsHealthy())

	mu.Lock()
	failing = false
	mu.Unlock()
	hc.RunChecks(context.Background())
	assert.True(t, hc.IsHealthy())
}

func TestUnregisterCheck(t *testing.T) {
	hc := NewHealthChecker("test")
	hc.RegisterCheck("backend", func(context.Context) error { return errors.New("down") }, true)
	hc.UnregisterCheck("backend")
	st := hc.RunChecks(context.Background())
	assert.NotContains(t, st.Checks, "backend")
	assert.True(t, hc.IsHealthy())
}

func TestRun_StopsOnCancel(t *testing.T) {
	hc := NewHealthChecker("test")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hc.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return hc.GetStatus().Checks["goroutines"].Status == "passed"
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

type fakeSessions struct{}

func (fakeSessions) Stats() []broker.SessionStats {
	return []broker.SessionStats{{ID: "s1", Ident: "sensor", Subscriptions: []string{"malware"}}}
}

func (fakeSessions) Channels() int { return 1 }

func newTestServer(t *testing.T, hc *HealthChecker, sessions SessionSource) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	NewHealthServer(hc, sessions).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthServer_Endpoints(t *testing.T) {
	hc := NewHealthChecker("test")
	down := errors.New("down")
	var mu sync.Mutex
	var checkErr error
	hc.RegisterCheck("backend", func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return checkErr
	}, true)
	srv := newTestServer(t, hc, nil)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/detailed"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	mu.Lock()
	checkErr = down
	mu.Unlock()

	resp, err := http.Get(srv.URL + "/health/detailed")
	require.NoError(t, err)
	var st HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", st.Status)

	for _, path := range []string{"/health", "/health/ready"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, path)
	}

	resp, err = http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no session source registered")
}

func TestHealthServer_Sessions(t *testing.T) {
	srv := newTestServer(t, NewHealthChecker("test"), fakeSessions{})

	resp, err := http.Get(srv.URL + "/api/v1/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body SessionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Channels)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "sensor", body.Sessions[0].Ident)
}

func TestHealthServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, NewHealthChecker("test"), fakeSessions{})
	resp, err := http.Post(srv.URL+"/health", "text/plain", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
