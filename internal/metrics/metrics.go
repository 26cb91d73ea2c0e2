// Package metrics holds the Prometheus collectors for rooms and forks.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RoomsActive counts rooms that are not closed, by kind.
	RoomsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collab_rooms_active",
		Help: "Rooms currently open by kind",
	}, []string{"kind"})

	// ClientsConnected counts attached clients across all rooms.
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_clients_connected",
		Help: "Clients attached to a room",
	})

	// UpdatesApplied counts updates that changed a replica, by source.
	UpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_updates_applied_total",
		Help: "Updates applied to room replicas by source",
	}, []string{"source"})

	// Saves counts flushes by result.
	Saves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_saves_total",
		Help: "Document saves by result",
	}, []string{"result"})

	// SaveDuration tracks how long a flush takes including retries.
	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_save_duration_seconds",
		Help:    "Document save duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// Reconciliations counts external file changes merged into rooms.
	Reconciliations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_external_changes_total",
		Help: "External file changes merged into room replicas",
	})

	// Forks counts live forks.
	Forks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_forks_active",
		Help: "Forks currently open",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
