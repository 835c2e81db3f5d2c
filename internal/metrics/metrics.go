// Package metrics records Prometheus metrics for split, hydrate and storage
// backend calls. Recording is a no-op until InitMetrics is called.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultConflict = "conflict"
)

// Secret write kinds.
const (
	KindCreated = "created"
	KindRotated = "rotated"
)

var (
	splitTotal          *prometheus.CounterVec
	secretsWrittenTotal *prometheus.CounterVec
	hydrateTotal        *prometheus.CounterVec
	persistenceDuration *prometheus.HistogramVec

	metricsOnce       sync.Once
	metricsRegistered atomic.Bool
)

// InitMetrics registers all metrics with the default registry.
// Safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		splitTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfgsecrets_split_total",
				Help: "Total number of split operations by result",
			},
			[]string{"result"},
		)

		secretsWrittenTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfgsecrets_secrets_written_total",
				Help: "Total number of secret values written to storage",
			},
			[]string{"storage", "kind"},
		)

		hydrateTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfgsecrets_hydrate_total",
				Help: "Total number of hydrate operations by result",
			},
			[]string{"result"},
		)

		persistenceDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cfgsecrets_persistence_duration_seconds",
				Help:    "Duration of secret storage calls in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"storage", "op"},
		)

		metricsRegistered.Store(true)
	})
}

// IsMetricsRegistered reports whether InitMetrics has run.
func IsMetricsRegistered() bool {
	return metricsRegistered.Load()
}

// RecordSplit counts a split call.
func RecordSplit(result string) {
	if !metricsRegistered.Load() {
		return
	}
	splitTotal.WithLabelValues(result).Inc()
}

// RecordSecretWritten counts one plaintext value written to storage.
func RecordSecretWritten(storage, kind string) {
	if !metricsRegistered.Load() {
		return
	}
	secretsWrittenTotal.WithLabelValues(storage, kind).Inc()
}

// RecordHydrate counts a hydrate call.
func RecordHydrate(result string) {
	if !metricsRegistered.Load() {
		return
	}
	hydrateTotal.WithLabelValues(result).Inc()
}

// ObservePersistence records how long a storage call took.
func ObservePersistence(storage, op string, started time.Time) {
	if !metricsRegistered.Load() {
		return
	}
	persistenceDuration.WithLabelValues(storage, op).Observe(time.Since(started).Seconds())
}

// GetSplitTotal returns the split counter for testing.
func GetSplitTotal() *prometheus.CounterVec {
	return splitTotal
}

// GetSecretsWrittenTotal returns the written-secrets counter for testing.
func GetSecretsWrittenTotal() *prometheus.CounterVec {
	return secretsWrittenTotal
}

// GetHydrateTotal returns the hydrate counter for testing.
func GetHydrateTotal() *prometheus.CounterVec {
	return hydrateTotal
}

// GetPersistenceDuration returns the storage latency histogram for testing.
func GetPersistenceDuration() *prometheus.HistogramVec {
	return persistenceDuration
}
