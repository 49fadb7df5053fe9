package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the offline queue and location tracker
var (
	SyncPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driversync_sync_passes_total",
			Help: "Total number of action sync passes that ran",
		},
	)

	SyncPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "driversync_sync_pass_duration_seconds",
			Help:    "Duration of action sync passes",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActionsOutcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driversync_actions_outcome_total",
			Help: "Queued action outcomes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ActionsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driversync_actions_enqueued_total",
			Help: "Total number of actions written to the local queue",
		},
		[]string{"kind"},
	)

	PendingActions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "driversync_pending_actions",
			Help: "Actions left in the local queue after the last pass",
		},
	)

	LocationSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driversync_location_samples_total",
			Help: "Position fixes by tracker decision",
		},
		[]string{"decision"},
	)

	LocationSyncedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "driversync_location_samples_synced_total",
			Help: "Cached location samples delivered by the location sync pass",
		},
	)

	ConnectivityTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driversync_connectivity_transitions_total",
			Help: "Reachability edges observed by the connectivity monitor",
		},
		[]string{"state"},
	)
)

// Register registers all driver sync metrics with reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(SyncPassesTotal)
	reg.MustRegister(SyncPassDuration)
	reg.MustRegister(ActionsOutcomeTotal)
	reg.MustRegister(ActionsEnqueuedTotal)
	reg.MustRegister(PendingActions)
	reg.MustRegister(LocationSamplesTotal)
	reg.MustRegister(LocationSyncedTotal)
	reg.MustRegister(ConnectivityTransitionsTotal)
}
