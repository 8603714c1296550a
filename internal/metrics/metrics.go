package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordd_actions_total",
			Help: "Total number of dispatched actions by action name and outcome",
		},
		[]string{"action", "outcome"},
	)

	// Transition metrics
	TransitionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recordd_transitions_open",
			Help: "Number of records with an active write transition",
		},
	)

	TransitionStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recordd_transition_step_duration_seconds",
			Help:    "Time taken to process one accepted transition step",
			Buckets: prometheus.DefBuckets,
		},
	)

	VersionConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordd_version_conflicts_total",
			Help: "Total number of writes rejected with VERSION_EXISTS",
		},
	)

	InvalidVersionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordd_invalid_versions_total",
			Help: "Total number of writes rejected with INVALID_VERSION",
		},
	)

	// Coalescer metrics
	CoalescedRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordd_coalesced_requests_total",
			Help: "Total number of reads that attached to an in-flight fetch instead of issuing a new one",
		},
	)

	// Storage metrics
	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordd_cache_ops_total",
			Help: "Total cache backend operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	DurableOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordd_durable_ops_total",
			Help: "Total durable backend operations by op and outcome",
		},
		[]string{"op", "outcome"},
	)

	DurableExclusionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordd_durable_exclusions_total",
			Help: "Total number of durable writes suppressed by storageExclusionPrefixes",
		},
	)

	// Permission metrics
	PermissionDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordd_permission_denials_total",
			Help: "Total number of MESSAGE_DENIED outcomes by action",
		},
		[]string{"action"},
	)

	PermissionErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordd_permission_errors_total",
			Help: "Total number of permission evaluator errors",
		},
	)

	// Peer message bus metrics
	PeerBusLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recordd_peerbus_is_leader",
			Help: "Whether this node is the peer message bus Raft leader (1 = leader, 0 = follower)",
		},
	)

	PeerBusAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recordd_peerbus_applied_index",
			Help: "Last applied peer message bus log index",
		},
	)

	PeerBusApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recordd_peerbus_apply_duration_seconds",
			Help:    "Time taken to apply a replicated message on the peer bus FSM",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Fan-out metrics
	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recordd_local_subscribers_total",
			Help: "Total number of local subscriptions currently held",
		},
	)

	BroadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "recordd_broadcasts_total",
			Help: "Total number of broadcasts sent to subscribers",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ActionsTotal,
		TransitionsOpen,
		TransitionStepDuration,
		VersionConflictsTotal,
		InvalidVersionsTotal,
		CoalescedRequestsTotal,
		CacheOpsTotal,
		DurableOpsTotal,
		DurableExclusionsTotal,
		PermissionDenialsTotal,
		PermissionErrorsTotal,
		PeerBusLeader,
		PeerBusAppliedIndex,
		PeerBusApplyDuration,
		SubscribersTotal,
		BroadcastsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
