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


// package metrics provides Prometheus metrics for the broker and its tools.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hpfeeds"

var (
	// ConnectionsTotal counts every accepted connection.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "The total number of connections accepted by the broker.",
	})

	// ConnectionsActive is the number of connections currently open.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "The number of currently open connections.",
	})

	AuthSuccessTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_success_total",
		Help:      "The total number of successful authentications.",
	})

	AuthFailTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_fail_total",
		Help:      "The total number of failed authentications.",
	})

	// PublishedTotal counts publishes accepted from clients, per channel.
	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_total",
		Help:      "The total number of messages published, per channel.",
	}, []string{"channel"})

	PublishedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "published_bytes_total",
		Help:      "The total number of payload bytes published, per channel.",
	}, []string{"channel"})

	// DeliveredTotal counts frames handed to subscriber queues, per channel.
	DeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivered_total",
		Help:      "The total number of messages delivered to subscribers, per channel.",
	}, []string{"channel"})

	DeliveredBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivered_bytes_total",
		Help:      "The total number of frame bytes delivered to subscribers, per channel.",
	}, []string{"channel"})

	// LaggedTotal counts messages evicted from slow subscriber queues.
	LaggedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lagged_total",
		Help:      "The total number of messages dropped because a subscriber fell behind.",
	})

	DeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "denied_total",
		Help:      "The total number of publish or subscribe requests denied by ACL.",
	}, []string{"action"})

	ProtocolErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "protocol_errors_total",
		Help:      "The total number of connections closed for a protocol violation.",
	}, []string{"reason"})

	ChannelsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels_active",
		Help:      "The number of channels with at least one subscriber.",
	})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscriptions_active",
		Help:      "The number of live channel subscriptions across all connections.",
	})

	// WriteBatchFrames observes how many frames each socket write carried.
	WriteBatchFrames = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "write_batch_frames",
		Help:      "The number of frames coalesced into a single socket write.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128},
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "The total number of times a supervised actor has been restarted.",
	}, []string{"actor_id"})
)

// NewHandler returns the HTTP handler serving /metrics and /healthz. Each of
// routes may register further endpoints on the same mux.
func NewHandler(routes ...func(*http.ServeMux)) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	for _, register := range routes {
		register(mux)
	}
	return mux
}

// Serve runs the metrics HTTP server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, routes ...func(*http.ServeMux)) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(routes...),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
