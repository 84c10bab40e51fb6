package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	fragmentsEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gadgetlink",
			Subsystem: "link",
			Name:      "fragments_encoded_total",
			Help:      "Fragments produced by the encoder.",
		},
		[]string{"role", "channel"},
	)
	fragmentsDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gadgetlink",
			Subsystem: "link",
			Name:      "fragments_decoded_total",
			Help:      "Fragments consumed by the reassembly table.",
		},
		[]string{"role", "channel"},
	)
	transactionsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gadgetlink",
			Subsystem: "link",
			Name:      "transactions_completed_total",
			Help:      "Transactions reassembled and dispatched.",
		},
		[]string{"role", "channel"},
	)
	transactionBytes = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gadgetlink",
			Subsystem: "link",
			Name:      "transaction_bytes",
			Help:      "Reassembled transaction sizes in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 6),
		},
		[]string{"role", "channel"},
	)
	reassemblyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gadgetlink",
			Subsystem: "link",
			Name:      "reassembly_failures_total",
			Help:      "Fragments rejected by the reassembly table.",
		},
		[]string{"role", "channel", "reason"},
	)
	acksEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gadgetlink",
			Subsystem: "link",
			Name:      "acks_emitted_total",
			Help:      "Control frames emitted.",
		},
		[]string{"role", "channel", "result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gadgetlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gadgetlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			fragmentsEncoded,
			fragmentsDecoded,
			transactionsCompleted,
			transactionBytes,
			reassemblyFailures,
			acksEmitted,
			httpRequests,
			httpDuration,
		)
	})
}

func RecordFragmentsEncoded(role, channel string, n int) {
	RegisterMetrics()
	fragmentsEncoded.WithLabelValues(role, channel).Add(float64(n))
}

func RecordFragmentDecoded(role, channel string) {
	RegisterMetrics()
	fragmentsDecoded.WithLabelValues(role, channel).Inc()
}

func RecordTransactionCompleted(role, channel string, size int) {
	RegisterMetrics()
	transactionsCompleted.WithLabelValues(role, channel).Inc()
	transactionBytes.WithLabelValues(role, channel).Observe(float64(size))
}

func RecordReassemblyFailure(role, channel, reason string) {
	RegisterMetrics()
	reassemblyFailures.WithLabelValues(role, channel, reason).Inc()
}

func RecordAckEmitted(role, channel, result string) {
	RegisterMetrics()
	acksEmitted.WithLabelValues(role, channel, result).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
