// Copyright 2025 The WarDragon Authors
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

// Package api serves the aggregator's HTTP surface: the observation and
// pattern queries, CSV export, kit administration and the operational
// endpoints. Handlers validate inputs, delegate to storage or the registry
// and map errors onto the status contract: 422 for bad parameters, 503 for
// an unreachable database, 500 for the rest.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wardragon/aggregator/internal/collector"
	"github.com/wardragon/aggregator/internal/storage"
	"github.com/wardragon/aggregator/pkg/kitclient"
)

// queryStore is the read surface of the storage layer the API consumes.
type queryStore interface {
	Ping(ctx context.Context) error
	QueryDrones(ctx context.Context, f storage.DroneFilter) ([]storage.DroneObservation, error)
	QuerySignals(ctx context.Context, f storage.SignalFilter) ([]storage.SignalObservation, error)
	QueryHourly(ctx context.Context, start, end time.Time, kitIDs []string) ([]storage.HourlyBucket, error)
	RepeatedDrones(ctx context.Context, start, end time.Time, minAppearances int) ([]storage.RepeatedDrone, error)
	CoordinatedActivity(ctx context.Context, start, end time.Time, distanceThresholdM float64) ([]storage.CoordinatedCluster, error)
	PilotReuse(ctx context.Context, start, end time.Time, proximityThresholdM float64) ([]storage.PilotReuseFinding, error)
	Anomalies(ctx context.Context, start, end time.Time) ([]storage.Anomaly, error)
	MultiKitDetections(ctx context.Context, start, end time.Time) ([]storage.MultiKitDetection, error)
}

// kitRegistry is the admin surface over the kit set.
type kitRegistry interface {
	List(kitID string) []storage.Kit
	Add(ctx context.Context, apiURL, name, location string, enabled bool) (storage.Kit, error)
	Remove(ctx context.Context, kitID string) error
	Probe(ctx context.Context, kitIDOrURL string) (*kitclient.ProbeResult, error)
}

// statsSource provides the collector's per-kit counters.
type statsSource interface {
	Snapshot() []collector.KitStats
}

// Options configures the served API.
type Options struct {
	// CORSOrigins lists allowed cross-origin callers; empty disables CORS.
	CORSOrigins []string
}

type apiMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newAPIMetrics(reg prometheus.Registerer) *apiMetrics {
	m := &apiMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wardragon_http_requests_total",
			Help: "API requests served.",
		}, []string{"code", "handler"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wardragon_http_request_duration_seconds",
			Help:    "API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"code", "handler"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

// API holds the handler dependencies. Build with New, mount with Router.
type API struct {
	logger   log.Logger
	store    queryStore
	registry kitRegistry
	stats    statsSource
	gatherer prometheus.Gatherer
	metrics  *apiMetrics
	opts     Options
}

// New wires the API against its collaborators. reg doubles as the registry
// domain metrics land on and the gatherer /metrics serves.
func New(logger log.Logger, store queryStore, registry kitRegistry, stats statsSource, reg *prometheus.Registry, opts Options) *API {
	return &API{
		logger:   logger,
		store:    store,
		registry: registry,
		stats:    stats,
		gatherer: reg,
		metrics:  newAPIMetrics(reg),
		opts:     opts,
	}
}

// Router builds the chi routing tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	if len(a.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", a.instrument("health", a.handleHealth))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/kits", a.instrument("kits", a.handleKits))
		r.Get("/drones", a.instrument("drones", a.handleDrones))
		r.Get("/signals", a.instrument("signals", a.handleSignals))
		r.Get("/export/csv", a.instrument("export_csv", a.handleExportCSV))
		r.Get("/analytics/hourly", a.instrument("analytics_hourly", a.handleHourly))

		r.Route("/patterns", func(r chi.Router) {
			r.Get("/repeated-drones", a.instrument("patterns_repeated", a.handleRepeatedDrones))
			r.Get("/coordinated", a.instrument("patterns_coordinated", a.handleCoordinated))
			r.Get("/pilot-reuse", a.instrument("patterns_pilot_reuse", a.handlePilotReuse))
			r.Get("/anomalies", a.instrument("patterns_anomalies", a.handleAnomalies))
			r.Get("/multi-kit", a.instrument("patterns_multi_kit", a.handleMultiKit))
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/kits", a.instrument("admin_add_kit", a.handleAddKit))
			r.Post("/kits/test", a.instrument("admin_test_kit", a.handleTestKit))
			r.Delete("/kits/{kit_id}", a.instrument("admin_remove_kit", a.handleRemoveKit))
			r.Get("/stats", a.instrument("admin_stats", a.handleStats))
		})
	})
	return r
}

func (a *API) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerCounter(a.metrics.requests.MustCurryWith(labels),
		promhttp.InstrumentHandlerDuration(a.metrics.duration.MustCurryWith(labels), h)).ServeHTTP
}

// handleHealth answers liveness probes; a dead database turns it into 503.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, r, http.StatusOK, map[string]string{"status": "healthy"})
}
