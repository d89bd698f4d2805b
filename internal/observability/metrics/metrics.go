package metrics

import (
	"database/sql"
	"log"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fieldlink_"

	CommandResultAcked     = "ACKED"
	CommandResultSucceeded = "SUCCEEDED"
	CommandResultFailed    = "FAILED"

	AckDropUnknown   = "unknown_command"
	AckDropDuplicate = "duplicate"
	AckDropEarly     = "not_yet_sent"

	SyncResultPending = "pending"
	SyncResultFailed  = "failed"
)

var (
	registerOnce sync.Once

	commandRequests *prometheus.CounterVec
	commandResults  *prometheus.CounterVec
	commandRetries  prometheus.Counter
	manualRetries   prometheus.Counter
	acksDropped     *prometheus.CounterVec
	ackLatency      prometheus.Histogram

	syncRequests *prometheus.CounterVec
	cacheResets  prometheus.Counter
)

// Init registers metrics and DB-backed gauges. Safe to call once; later
// calls are no-ops.
func Init(db *sql.DB, logger *log.Logger) {
	registerOnce.Do(func() {
		commandRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_requests_total",
				Help: "Total dispatched commands by type",
			},
			[]string{"type"},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command terminal results by state",
			},
			[]string{"state"},
		)
		commandRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_retries_total",
				Help: "Total automatic command retries",
			},
		)
		manualRetries = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_manual_retries_total",
				Help: "Total operator-initiated command retries",
			},
		)
		acksDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "acks_dropped_total",
				Help: "Total dropped acknowledgments by reason",
			},
			[]string{"reason"},
		)
		ackLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ack_latency_seconds",
				Help:    "Latency between last attempt and acknowledgment in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)

		syncRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "config_sync_requests_total",
				Help: "Total configuration sync requests by result",
			},
			[]string{"result"},
		)
		cacheResets = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "config_cache_resets_total",
				Help: "Total explicit config cache resets",
			},
		)

		prometheus.MustRegister(
			commandRequests,
			commandResults,
			commandRetries,
			manualRetries,
			acksDropped,
			ackLatency,
			syncRequests,
			cacheResets,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncCommandIssued increments the issued command counter.
func IncCommandIssued(commandType string) {
	if commandType == "" {
		commandType = "unknown"
	}
	if commandRequests != nil {
		commandRequests.WithLabelValues(commandType).Inc()
	}
}

// IncCommandResult increments the terminal result counter.
func IncCommandResult(state string) {
	if state == "" {
		state = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(state).Inc()
	}
}

// IncCommandRetry increments the automatic retry counter.
func IncCommandRetry() {
	if commandRetries != nil {
		commandRetries.Inc()
	}
}

// IncCommandManualRetry increments the manual retry counter.
func IncCommandManualRetry() {
	if manualRetries != nil {
		manualRetries.Inc()
	}
}

// IncAckDropped increments the dropped-ack counter.
func IncAckDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if acksDropped != nil {
		acksDropped.WithLabelValues(reason).Inc()
	}
}

// ObserveAckLatency records an ack latency in seconds.
func ObserveAckLatency(seconds float64) {
	if ackLatency != nil {
		ackLatency.Observe(seconds)
	}
}

// IncSyncRequest increments the config sync counter.
func IncSyncRequest(result string) {
	if result == "" {
		result = "unknown"
	}
	if syncRequests != nil {
		syncRequests.WithLabelValues(result).Inc()
	}
}

// IncCacheReset increments the cache reset counter.
func IncCacheReset() {
	if cacheResets != nil {
		cacheResets.Inc()
	}
}
