// Package metrics declares the Prometheus instrumentation for the fleet
// control plane, grouped by subsystem the way the rest of the corpus does.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resilience Envelope
var (
	RateLimiterAdmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_rate_limiter_admissions_total",
		Help: "Rate limiter admission decisions by machine and outcome.",
	}, []string{"machine_id", "outcome"}) // outcome: allowed, denied

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "resilience_circuit_breaker_state",
		Help: "Circuit breaker state by strategy (0=closed, 1=open, 2=half_open).",
	}, []string{"strategy"})

	CircuitBreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_circuit_breaker_transitions_total",
		Help: "Circuit breaker state transitions by strategy and target state.",
	}, []string{"strategy", "to_state"})

	CleanupJournalEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "resilience_cleanup_journal_entries_total",
		Help: "Cleanup journal entries recorded by disposition (committed, rolled_back).",
	}, []string{"disposition"})
)

// Host Blacklist
var (
	BlacklistEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blacklist_entries_total",
		Help: "Hosts added to the blacklist by reason.",
	}, []string{"reason"})

	BlacklistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blacklist_active_entries",
		Help: "Current number of active (non-expired) blacklist entries.",
	})
)

// Race Provisioner
var (
	RaceRoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "race_provisioner_rounds_total",
		Help: "Provisioning rounds attempted by final outcome.",
	}, []string{"outcome"}) // outcome: won, exhausted

	RaceGPUsTriedHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "race_provisioner_gpus_tried",
		Help:    "Number of GPUs speculatively rented per race.",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 30},
	})

	RaceProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "race_provisioner_ssh_probe_seconds",
		Help:    "SSH readiness probe latency for speculative rentals.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"}) // result: ok, failed, timeout

	RaceWinnerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "race_provisioner_winner_seconds",
		Help:    "Time to first SSH-ready winner from round start.",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120},
	})
)

// Snapshot & Restore Engine
var (
	SnapshotBytesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_bytes_uploaded_total",
		Help: "Bytes uploaded to blob storage by snapshot kind.",
	}, []string{"kind"}) // kind: full, incremental

	SnapshotChunksUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_chunks_uploaded_total",
		Help: "Chunks uploaded versus deduplicated against the parent chain.",
	}, []string{"disposition"}) // disposition: new, deduplicated

	SnapshotCreateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "snapshot_create_seconds",
		Help:    "Snapshot creation duration by kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	RestoreValidationResult = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "restore_validation_total",
		Help: "Restore validation outcomes.",
	}, []string{"result"}) // result: passed, failed

	SnapshotChainDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snapshot_chain_depth",
		Help: "Current incremental chain depth by instance.",
	}, []string{"instance_id"})

	SnapshotCleanupDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snapshot_cleanup_deleted_total",
		Help: "Snapshots deleted by the retention cleanup job, by result.",
	}, []string{"result"}) // result: deleted, failed, retained
)

// Warm Pool Manager
var (
	WarmPoolState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warm_pool_state",
		Help: "Warm pool state machine state by machine (enum-encoded).",
	}, []string{"machine_id", "state"})

	WarmPoolHealthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warm_pool_health_checks_total",
		Help: "Warm pool primary health check results.",
	}, []string{"machine_id", "result"})

	WarmPoolFailoverDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "warm_pool_failover_seconds",
		Help:    "Time from primary failure detection to standby promotion.",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	})
)

// Regional Volume Failover
var (
	RegionalVolumeFailoverDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "regional_volume_failover_seconds",
		Help:    "Regional volume failover duration end to end.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
	})

	RegionalVolumeOffersScanned = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "regional_volume_offers_scanned",
		Help:    "Offers scanned before a region/price match was found.",
		Buckets: []float64{1, 5, 10, 25, 50, 100},
	})
)

// Failover Orchestrator
var (
	FailoverAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "failover_attempts_total",
		Help: "Failover attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"}) // outcome: succeeded, failed, gated

	FailoverDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "failover_total_seconds",
		Help:    "End-to-end failover duration by final strategy.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"strategy_succeeded"})
)

// Lifecycle Controller
var (
	LifecycleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lifecycle_operations_total",
		Help: "Lifecycle operations by action, caller source, and success.",
	}, []string{"action", "caller_source", "success"})
)

// Provider / BlobStore
var (
	ProviderAPICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provider_api_calls_total",
		Help: "Provider API calls by provider, operation, and result.",
	}, []string{"provider", "operation", "result"})

	BlobStoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blobstore_operation_seconds",
		Help:    "BlobStore adapter operation duration by operation and result.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "result"})
)

// RecordRateLimiterDecision records one rate limiter admission decision.
func RecordRateLimiterDecision(machineID string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	RateLimiterAdmissions.WithLabelValues(machineID, outcome).Inc()
}

// UpdateCircuitBreakerState reflects a strategy's current circuit state.
func UpdateCircuitBreakerState(strategy string, state int) {
	CircuitBreakerState.WithLabelValues(strategy).Set(float64(state))
}

// RecordCircuitBreakerTransition records a strategy's circuit breaker
// entering a new state.
func RecordCircuitBreakerTransition(strategy, toState string) {
	CircuitBreakerTransitions.WithLabelValues(strategy, toState).Inc()
}

// RecordLifecycleOperation records one lifecycle controller call outcome.
func RecordLifecycleOperation(action, callerSource string, success bool) {
	LifecycleOperations.WithLabelValues(action, callerSource, boolLabel(success)).Inc()
}

// RecordProviderAPICall records one provider API call outcome.
func RecordProviderAPICall(provider, operation, result string) {
	ProviderAPICalls.WithLabelValues(provider, operation, result).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
