// Package metrics exposes Prometheus instrumentation for vault operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tenantvault"

// Outcome labels
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the collectors for one vault instance. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	OperationsTotal         *prometheus.CounterVec
	OperationDurationSecond *prometheus.HistogramVec
	HandshakeRejections     *prometheus.CounterVec
	KeyCacheLookups         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of vault operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		OperationDurationSecond: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of vault operations in seconds, including store and audit I/O",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		HandshakeRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_rejections_total",
				Help:      "Handshake callbacks rejected, by internal reason",
			},
			[]string{"reason"},
		),
		KeyCacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_cache_lookups_total",
				Help:      "Derived key cache lookups by result",
			},
			[]string{"result"},
		),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.OperationsTotal,
		m.OperationDurationSecond,
		m.HandshakeRejections,
		m.KeyCacheLookups,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveOperation records one completed operation.
func (m *Metrics) ObserveOperation(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDurationSecond.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// HandshakeRejected counts a rejected handshake callback.
func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.HandshakeRejections.WithLabelValues(reason).Inc()
}

// KeyCacheLookup counts a derived key cache hit or miss.
func (m *Metrics) KeyCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.KeyCacheLookups.WithLabelValues(result).Inc()
}
