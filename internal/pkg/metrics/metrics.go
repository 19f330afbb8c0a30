package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counts check-and-insert requests by outcome: duplicate, inserted, invalid, timeout or error.
var Checks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dupcheck_checks_total",
	Help: "Total number of check-and-insert requests by outcome",
}, []string{"outcome"})

// Counts how many images were flagged as near-duplicates.
var DuplicatesDetected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dupcheck_duplicates_detected_total",
	Help: "Total number of fingerprints that matched an existing record",
})

// Tracks the number of records currently held by the similarity index.
var IndexRecords = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dupcheck_index_records",
	Help: "Number of records in the similarity index",
})

// Number of candidates verified per query.
var QueryCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dupcheck_query_candidates",
	Help:    "Number of candidate records compared per index query",
	Buckets: prometheus.ExponentialBuckets(1, 4, 10),
})

// Durable log metrics
var (
	LogAppendLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dupcheck_log_append_latency_seconds",
		Help:    "Time taken to write and fsync one log entry",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // From 100µs to ~3s
	})

	LogAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dupcheck_log_append_failures_total",
		Help: "Total number of log appends that failed or timed out",
	})

	LogBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dupcheck_log_bytes",
		Help: "Bytes held by live log generations",
	})

	Compactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dupcheck_compactions_total",
		Help: "Total number of completed snapshot compactions",
	})

	CompactionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dupcheck_compaction_failures_total",
		Help: "Total number of compactions that failed",
	})

	CompactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dupcheck_compaction_duration_seconds",
		Help:    "Time taken to write a snapshot",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})
)

// Async job metrics
var (
	JobsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dupcheck_jobs_enqueued_total",
		Help: "Total number of asynchronous check jobs enqueued",
	})

	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dupcheck_jobs_processed_total",
		Help: "Total number of asynchronous check jobs processed by status",
	}, []string{"status"})

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dupcheck_circuit_breaker_state",
			Help: "Current state of circuit breakers (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dupcheck_http_rate_limited_total",
		Help: "Total number of HTTP requests rejected by the rate limiter",
	})
)
