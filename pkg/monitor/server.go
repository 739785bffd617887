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
	"encoding/json"
	"net/http"
	"time"

	"github.com/turtacn/hpfeeds-go/pkg/broker"
)

// SessionSource lists live sessions. *broker.Broker implements it.
type SessionSource interface {
	Stats() []broker.SessionStats
	Channels() int
}

// SessionsResponse is the body of /api/v1/sessions.
type SessionsResponse struct {
	Channels int                   `json:"channels"`
	Count    int                   `json:"count"`
	Sessions []broker.SessionStats `json:"sessions"`
}

// HealthServer serves the health endpoints and, when sessions is set, the
// session listing.
type HealthServer struct {
	checker  *HealthChecker
	sessions SessionSource
}

// NewHealthServer creates a server. sessions may be nil.
func NewHealthServer(checker *HealthChecker, sessions SessionSource) *HealthServer {
	return &HealthServer{checker: checker, sessions: sessions}
}

// RegisterRoutes registers the endpoints on mux.
func (hs *HealthServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", hs.handleHealth)
	mux.HandleFunc("/health/live", hs.handleLiveness)
	mux.HandleFunc("/health/ready", hs.handleReadiness)
	mux.HandleFunc("/health/detailed", hs.handleDetailedHealth)
	if hs.sessions != nil {
		mux.HandleFunc("/api/v1/sessions", hs.handleSessions)
	}
}

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	status, code := "ok", http.StatusOK
	if !hs.checker.IsHealthy() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status": status,
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleLiveness answers as long as the process serves HTTP.
func (hs *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if hs.checker.IsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("Service Unavailable"))
}

// handleDetailedHealth runs the checks now.
func (hs *HealthServer) handleDetailedHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	status := hs.checker.RunChecks(r.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (hs *HealthServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	sessions := hs.sessions.Stats()
	writeJSON(w, http.StatusOK, SessionsResponse{
		Channels: hs.sessions.Channels(),
		Count:    len(sessions),
		Sessions: sessions,
	})
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}
