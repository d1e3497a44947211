// Copyright 2025 Certen Protocol
//
// Prometheus metrics for the mesh coordinator.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every counter/gauge/histogram the coordinator exports.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	HeldDepth       prometheus.Gauge
	MeshScore       prometheus.Histogram
	ClaimsTotal     *prometheus.CounterVec
	GossipIngested  *prometheus.CounterVec
	AnchorStatus    *prometheus.GaugeVec
}

// New registers and returns the coordinator's metrics against the default
// registry.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_requests_total",
			Help: "Total HTTP requests handled, by route and status class.",
		}, []string{"route", "status"}),

		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_queue_depth",
			Help: "Current number of queued subtasks.",
		}),

		HeldDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_held_depth",
			Help: "Current number of subtasks held on unmet dependencies.",
		}),

		MeshScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_mesh_peer_score",
			Help:    "Distribution of peer scores across the mesh peer table.",
			Buckets: []float64{0, 25, 50, 75, 100, 125, 150, 175, 200},
		}),

		ClaimsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_claims_total",
			Help: "Total subtask claims, by outcome.",
		}, []string{"outcome"}),

		GossipIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_gossip_ingested_total",
			Help: "Total mesh messages ingested, by type and outcome.",
		}, []string{"type", "outcome"}),

		AnchorStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_anchor_status",
			Help: "1 if the anchor with this checkpoint hash is in the given status, else 0.",
		}, []string{"checkpoint_hash", "status"}),
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
