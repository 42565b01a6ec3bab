// Package metrics defines and registers all custom Prometheus metrics for the
// presence service. It is the single source of truth for metric names,
// labels, and help strings.
//
// Metrics are registered with the default Prometheus registry on import via
// promauto and exposed by the HTTP server at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "presence"

// ── Admission metrics ─────────────────────────────────────────────────────────

// AdmissionsTotal counts admission attempts by result.
// Label:
//   - outcome: "authenticated", "needs_confirmation", "invalid_credentials",
//     "name_taken" or "unavailable"
var AdmissionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Total number of login and registration attempts, by outcome.",
	},
	[]string{"outcome"},
)

// EvictionsTotal counts confirmed kick-oldest evictions written to the store.
var EvictionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "evictions_total",
		Help:      "Total number of sessions evicted to admit a newer login.",
	},
)

// SelfEvictionsTotal counts devices that observed their own eviction on the change feed.
var SelfEvictionsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "self_evictions_total",
		Help:      "Total number of local sessions that detected their own eviction.",
	},
)

// ReleasesTotal counts logout releases.
// Label:
//   - result: "released" (slot freed) or "absent" (session already gone, no-op)
var ReleasesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "releases_total",
		Help:      "Total number of session releases, labelled by result.",
	},
	[]string{"result"},
)

// VersionConflictsTotal counts conditional updates rejected because the
// account changed between fetch and write.
// Label:
//   - operation: "admit", "evict" or "release"
var VersionConflictsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "version_conflicts_total",
		Help:      "Total number of account compare-and-swap conflicts, by operation.",
	},
	[]string{"operation"},
)

// OperationDuration measures fetch-decide-write round trips.
// Label:
//   - operation: "login", "register", "confirm_eviction" or "release"
var OperationDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "operation_duration_seconds",
		Help:      "Duration of session operations against the account store.",
		Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
	},
	[]string{"operation"},
)

// ── Presence metrics ──────────────────────────────────────────────────────────

// ActiveWatchers tracks the number of running presence watchers in this process.
var ActiveWatchers = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_watchers",
		Help:      "Current number of change feed subscriptions held by authenticated devices.",
	},
)

// TrackedDevices tracks the number of device lifecycles held by the registry.
var TrackedDevices = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_devices",
		Help:      "Current number of devices with a live session, pending confirmation or unacknowledged eviction.",
	},
)

// FeedDeliveriesTotal counts account snapshots handed to subscribers.
// Label:
//   - driver: "memory", "mongo" or "redis"
var FeedDeliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "feed_deliveries_total",
		Help:      "Total number of account snapshots delivered by the change feed.",
	},
	[]string{"driver"},
)

// FeedQueueDepth tracks the number of snapshots waiting in each dispatcher worker channel.
// Label:
//   - worker_id: numeric worker index (e.g. "0", "1", …)
var FeedQueueDepth = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "feed_queue_depth",
		Help:      "Current number of snapshots pending in each change feed dispatcher worker channel.",
	},
	[]string{"worker_id"},
)
